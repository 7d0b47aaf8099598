// Package boot decides, at every reset, whether to abort a pending update,
// promote the staged image into the boot bank, or boot the application.
//
// The decision is made from the reset-cause flags and the flash contents
// alone:
//
//   - window watchdog reset: the staging bank is mass-erased and the
//     application booted;
//   - independent watchdog reset with a staged image present: the image is
//     copied into the application sectors and both copies are compared by
//     CRC before booting;
//   - otherwise the application is booted if present.
//
// Any failure halts instead of booting.
package boot

import (
	"errors"
	"fmt"
	"log"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/flash"
)

// ResetCause is the latched reset-source register.
type ResetCause interface {
	WindowWatchdog() bool
	IndependentWatchdog() bool
	// Clear resets all flags.
	Clear()
}

// CPU performs the final transfer of control.
type CPU interface {
	// Jump relocates the vector table to vtor, loads the stack pointer,
	// invalidates the instruction cache and branches to pc.
	Jump(vtor, sp, pc uint32)
	// Halt parks the core until an external reset.
	Halt(reason error)
}

// Action is what a boot ended with.
type Action int

const (
	BootNormal Action = iota
	BootAfterAbort
	BootAfterCopy
	Halt
)

func (a Action) String() string {
	switch a {
	case BootNormal:
		return "boot"
	case BootAfterAbort:
		return "boot-after-abort"
	case BootAfterCopy:
		return "boot-after-copy"
	case Halt:
		return "halt"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// MarshalText lets the action appear by name in JSON.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Outcome describes the decision taken by Run.
type Outcome struct {
	Action Action `json:"action"`
	Base   uint32 `json:"base"`
	SP     uint32 `json:"sp"`
	PC     uint32 `json:"pc"`
	Err    error  `json:"-"`
}

var (
	ErrNoImage     = errors.New("boot: no application image present")
	ErrCopyVerify  = errors.New("boot: copied image does not match staging")
	ErrCopyRange   = errors.New("boot: copy outside the image area")
	ErrCopyAligned = errors.New("boot: copy destination is not sector aligned")
)

// HaltError is returned by Run when the core was halted.
type HaltError struct {
	Stage string
	Err   error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("boot: halted during %s: %v", e.Stage, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithImageSize sets how many bytes CopyImage moves and verifies. It
// defaults to the layout's image size.
func WithImageSize(n uint32) Option {
	return func(o *Orchestrator) { o.imageSize = n }
}

// Orchestrator runs the boot decision.
type Orchestrator struct {
	fl        *flash.Engine
	crc       *crc.Engine
	layout    flash.Layout
	rc        ResetCause
	cpu       CPU
	imageSize uint32
}

// New creates an Orchestrator.
func New(fl *flash.Engine, c *crc.Engine, layout flash.Layout, rc ResetCause, cpu CPU, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fl:        fl,
		crc:       c,
		layout:    layout,
		rc:        rc,
		cpu:       cpu,
		imageSize: layout.ImageSize(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run takes the boot decision and hands control to the CPU. On hardware
// neither Jump nor Halt returns; here the Outcome reports what was done.
// After a window watchdog discard, an empty application area halts rather
// than jumping into erased flash.
func (o *Orchestrator) Run() (*Outcome, error) {
	wwdg := o.rc.WindowWatchdog()
	iwdg := o.rc.IndependentWatchdog()
	o.rc.Clear()
	log.Printf("[boot] reset cause: wwdg=%t iwdg=%t", wwdg, iwdg)

	app := o.layout.AppBase()
	staging := o.layout.StagingBase()

	if wwdg {
		log.Printf("[boot] fault during update, discarding %s", flash.Bank2)
		if err := o.fl.MassErase(flash.Bank2); err != nil {
			return o.halt("abort", err)
		}
		return o.boot(app, BootAfterAbort)
	}

	if iwdg && o.fl.IsPresent(staging) {
		log.Printf("[boot] promoting staged image 0x%08X -> 0x%08X", staging, app)
		if err := o.CopyImage(staging, app, o.imageSize); err != nil {
			return o.halt("copy", err)
		}
		return o.boot(app, BootAfterCopy)
	}

	return o.boot(app, BootNormal)
}

func (o *Orchestrator) boot(base uint32, action Action) (*Outcome, error) {
	if !o.fl.IsPresent(base) {
		return o.halt("boot", fmt.Errorf("%w at 0x%08X", ErrNoImage, base))
	}
	sp, err := o.fl.ReadWord(base)
	if err != nil {
		return o.halt("boot", err)
	}
	pc, err := o.fl.ReadWord(base + 4)
	if err != nil {
		return o.halt("boot", err)
	}
	o.rc.Clear()
	log.Printf("[boot] %s: vtor=0x%08X sp=0x%08X pc=0x%08X", action, base, sp, pc)
	o.cpu.Jump(base, sp, pc)
	return &Outcome{Action: action, Base: base, SP: sp, PC: pc}, nil
}

func (o *Orchestrator) halt(stage string, err error) (*Outcome, error) {
	herr := &HaltError{Stage: stage, Err: err}
	log.Printf("[boot] %v", herr)
	o.cpu.Halt(herr)
	return &Outcome{Action: Halt, Err: herr}, herr
}

// CopyImage erases the sectors covering [to, to+size), copies size bytes
// from from one flash word at a time and compares the CRC of both spans.
func (o *Orchestrator) CopyImage(from, to, size uint32) error {
	if size == 0 || size > o.imageSize || size%flash.WordSize != 0 {
		return fmt.Errorf("%w: size %d", ErrCopyRange, size)
	}
	bank, sector, ok := o.layout.SectorOf(to)
	if !ok {
		return fmt.Errorf("%w: destination 0x%08X", ErrCopyRange, to)
	}
	b := o.layout.Bank(bank)
	if (to-b.Base)%b.SectorSize != 0 {
		return fmt.Errorf("%w: 0x%08X", ErrCopyAligned, to)
	}
	sectors := int((size + b.SectorSize - 1) / b.SectorSize)
	if sector+sectors > b.Sectors {
		return fmt.Errorf("%w: %d sectors from sector %d of %s", ErrCopyRange, sectors, sector, bank)
	}
	if _, ok := o.layout.BankOf(from); !ok {
		return fmt.Errorf("%w: source 0x%08X", ErrCopyRange, from)
	}

	for i := 0; i < sectors; i++ {
		if err := o.fl.EraseSector(sector+i, bank); err != nil {
			return err
		}
	}

	var word [flash.WordSize]byte
	cursor := to
	for off := uint32(0); off < size; off += flash.WordSize {
		if err := o.fl.Read(from+off, word[:]); err != nil {
			return err
		}
		if err := o.fl.ProgramWord(to, &cursor, &word); err != nil {
			return err
		}
	}

	o.crc.Reset()
	want, err := o.crc.CalcAt(o.fl, int64(from), int64(size))
	if err != nil {
		return err
	}
	o.crc.Reset()
	got, err := o.crc.CalcAt(o.fl, int64(to), int64(size))
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: staging 0x%08X, copy 0x%08X", ErrCopyVerify, want, got)
	}
	log.Printf("[boot] copied %d bytes, crc 0x%08X", size, got)
	return nil
}
