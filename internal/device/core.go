package device

import (
	"log"
	"sync"
)

// ResetFlags is the latched reset-source register.
type ResetFlags struct {
	mu         sync.Mutex
	wwdg, iwdg bool
}

func (r *ResetFlags) WindowWatchdog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wwdg
}

func (r *ResetFlags) IndependentWatchdog() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iwdg
}

func (r *ResetFlags) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wwdg, r.iwdg = false, false
}

func (r *ResetFlags) latchWindow() {
	r.mu.Lock()
	r.wwdg = true
	r.mu.Unlock()
}

func (r *ResetFlags) latchIndependent() {
	r.mu.Lock()
	r.iwdg = true
	r.mu.Unlock()
}

// CoreState is what the core is doing.
type CoreState struct {
	Running bool   `json:"running"`
	VTOR    uint32 `json:"vtor"`
	SP      uint32 `json:"sp"`
	PC      uint32 `json:"pc"`
	Halted  string `json:"halted,omitempty"`
	Boots   int    `json:"boots"`
}

// Core records the transfer of control at the end of a boot.
type Core struct {
	mu    sync.Mutex
	state CoreState
}

func (c *Core) Jump(vtor, sp, pc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Running = true
	c.state.VTOR, c.state.SP, c.state.PC = vtor, sp, pc
	c.state.Halted = ""
	c.state.Boots++
	log.Printf("[device] running application at 0x%08X", pc)
}

func (c *Core) Halt(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Running = false
	c.state.Halted = reason.Error()
	log.Printf("[device] core halted: %v", reason)
}

// Running reports whether an application is executing.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Running
}

// State returns a copy of the core state.
func (c *Core) State() CoreState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) reset() {
	c.mu.Lock()
	c.state.Running = false
	c.state.Halted = ""
	c.mu.Unlock()
}
