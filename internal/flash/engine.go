// Package flash implements sector erase and word programming across the two
// flash banks with the interrupt and bank-lock discipline the update and boot
// code rely on.
package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	// DefaultRetries is how many times a failed program is retried.
	DefaultRetries = 8
	// DefaultRetryDelay is the fixed wait between program attempts.
	DefaultRetryDelay = 100 * time.Microsecond
)

// AddressError is returned when a program cursor is outside its allowed window.
type AddressError struct {
	Addr  uint32
	Min   uint32
	Limit uint32
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("flash: address 0x%08X outside 0x%08X-0x%08X", e.Addr, e.Min, e.Limit)
}

// ProgramError is returned when a word could not be programmed after all retries.
type ProgramError struct {
	Addr     uint32
	Attempts int
	Err      error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("flash: program 0x%08X failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ProgramError) Unwrap() error { return e.Err }

// EraseError reports a failed sector or bank erase.
type EraseError struct {
	Bank   BankID
	Sector int // -1 for a mass erase
	Err    error
}

func (e *EraseError) Error() string {
	if e.Sector < 0 {
		return fmt.Sprintf("flash: mass erase %s: %v", e.Bank, e.Err)
	}
	return fmt.Sprintf("flash: erase %s sector %d: %v", e.Bank, e.Sector, e.Err)
}

func (e *EraseError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithRetries sets how many times a failed program is retried.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithRetryDelay sets the fixed wait between program attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// Engine erases and programs flash through a Controller.
type Engine struct {
	ctrl       Controller
	layout     Layout
	retries    int
	retryDelay time.Duration
	sleep      func(time.Duration)
}

// NewEngine creates an Engine for the given controller and layout.
func NewEngine(ctrl Controller, layout Layout, opts ...Option) *Engine {
	e := &Engine{
		ctrl:       ctrl,
		layout:     layout,
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Layout returns the bank map the engine works on.
func (e *Engine) Layout() Layout { return e.layout }

func (e *Engine) lockAll() {
	e.ctrl.Lock(Bank1)
	e.ctrl.Lock(Bank2)
}

// EraseSector erases one sector with interrupts masked and only the target
// bank unlocked. Failures are reported, not retried.
func (e *Engine) EraseSector(sector int, bank BankID) error {
	e.ctrl.DisableIRQ()
	defer e.ctrl.EnableIRQ()
	e.ctrl.Unlock(bank)
	defer e.lockAll()

	if err := e.ctrl.EraseSector(bank, sector); err != nil {
		return &EraseError{Bank: bank, Sector: sector, Err: err}
	}
	return nil
}

// MassErase erases a whole bank under the same discipline as EraseSector.
func (e *Engine) MassErase(bank BankID) error {
	e.ctrl.DisableIRQ()
	defer e.ctrl.EnableIRQ()
	e.ctrl.Unlock(bank)
	defer e.lockAll()

	if err := e.ctrl.MassErase(bank); err != nil {
		return &EraseError{Bank: bank, Sector: -1, Err: err}
	}
	log.Printf("[flash] mass erased %s", bank)
	return nil
}

// ProgramWord writes one 32-byte flash word at *cursor and advances the
// cursor by WordSize.
//
// The cursor must lie in [minAddr, end of the bank holding minAddr); nothing
// is written otherwise. Only the cursor's bank is unlocked, and interrupts
// stay masked across unlock, program and relock.
func (e *Engine) ProgramWord(minAddr uint32, cursor *uint32, data *[WordSize]byte) error {
	addr := *cursor
	bank, ok := e.layout.BankOf(minAddr)
	if !ok || addr < minAddr || addr >= bank.End() {
		return &AddressError{Addr: addr, Min: minAddr, Limit: bank.End()}
	}

	e.ctrl.DisableIRQ()
	defer e.ctrl.EnableIRQ()
	e.ctrl.Unlock(bank.ID)
	e.ctrl.Lock(bank.ID.Other())
	defer e.lockAll()

	var err error
	attempts := 0
	for attempts <= e.retries {
		attempts++
		if err = e.ctrl.ProgramWord(addr, data); err == nil {
			*cursor = addr + WordSize
			return nil
		}
		if attempts <= e.retries && e.retryDelay > 0 {
			e.sleep(e.retryDelay)
		}
	}
	return &ProgramError{Addr: addr, Attempts: attempts, Err: err}
}

// Read copies flash contents at addr into p.
func (e *Engine) Read(addr uint32, p []byte) error {
	return e.ctrl.Read(addr, p)
}

// ReadAt implements io.ReaderAt with off as an absolute flash address.
func (e *Engine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	if err := e.ctrl.Read(uint32(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadWord reads the little-endian 32-bit word at addr.
func (e *Engine) ReadWord(addr uint32) (uint32, error) {
	var b [4]byte
	if err := e.ctrl.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// IsPresent reports whether an image appears to start at addr: its first
// word is not the erased pattern.
func (e *Engine) IsPresent(addr uint32) bool {
	w, err := e.ReadWord(addr)
	return err == nil && w != ErasedWord
}

// IsAddressError reports whether err is a cursor window violation.
func IsAddressError(err error) bool {
	var ae *AddressError
	return errors.As(err, &ae)
}
