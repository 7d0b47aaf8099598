// Package device simulates the MCU side of the update system: a dual-bank
// flash, the CRC unit, the reset-cause register and a core that either runs
// an application or is halted.
//
// A Device boots through the orchestrator on power-on and on every
// watchdog reset. While an application runs it accepts update commands;
// a successful close arms the independent watchdog, so the staged image is
// promoted on the following boot.
package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/dualboot/internal/boot"
	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/update"
)

// DefaultResetDelay is the time between a successful update and the
// watchdog reset that installs it.
const DefaultResetDelay = time.Second

// ErrHalted is reported for commands received while the core is halted.
var ErrHalted = errors.New("device: core halted")

// Config holds the device parameters.
type Config struct {
	Layout flash.Layout
	Params update.Params

	// ImagePath persists the flash contents between runs. Empty keeps the
	// flash in memory only.
	ImagePath string

	ProgramRetries    int
	RetryDelay        time.Duration
	MaxChecksumErrors int
	ResetDelay        time.Duration
}

// DefaultConfig returns the stock layout and update parameters.
func DefaultConfig() Config {
	return Config{
		Layout:            flash.DefaultLayout(),
		Params:            update.DefaultParams(),
		ProgramRetries:    flash.DefaultRetries,
		RetryDelay:        flash.DefaultRetryDelay,
		MaxChecksumErrors: update.DefaultMaxChecksumErrors,
		ResetDelay:        DefaultResetDelay,
	}
}

// Status is the device view published to monitors.
type Status struct {
	Core         CoreState     `json:"core"`
	Boot         *boot.Outcome `json:"boot,omitempty"`
	BootError    string        `json:"bootError,omitempty"`
	Update       update.Status `json:"update"`
	PendingReset bool          `json:"pendingReset"`
	Stamp        int64         `json:"stamp"`
}

// Option configures a Device.
type Option func(*Device)

// WithObserver registers a hook run after every update command.
func WithObserver(fn func(update.Report)) Option {
	return func(d *Device) { d.observers = append(d.observers, fn) }
}

// WithBootObserver registers a hook run after every boot.
func WithBootObserver(fn func(Status)) Option {
	return func(d *Device) { d.bootObservers = append(d.bootObservers, fn) }
}

// WithController replaces the in-memory flash, for fault injection.
func WithController(wrap func(*flash.Memory) flash.Controller) Option {
	return func(d *Device) { d.wrap = wrap }
}

// Device is a simulated MCU. Its methods are safe for concurrent use.
type Device struct {
	cfg Config

	mem  *flash.Memory
	wrap func(*flash.Memory) flash.Controller
	fl   *flash.Engine
	crc  *crc.Engine
	rc   *ResetFlags
	core *Core
	orch *boot.Orchestrator

	observers     []func(update.Report)
	bootObservers []func(Status)

	// run serializes commands with resets; both drive the flash.
	run sync.Mutex

	mu       sync.Mutex
	session  *update.Session
	handler  *update.Handler
	outcome  *boot.Outcome
	bootErr  error
	resetArm *time.Timer
}

// New builds a powered-off device.
func New(cfg Config, opts ...Option) (*Device, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Params.CheckLayout(cfg.Layout); err != nil {
		return nil, err
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = DefaultResetDelay
	}

	d := &Device{
		cfg:  cfg,
		mem:  flash.NewMemory(cfg.Layout),
		rc:   &ResetFlags{},
		core: &Core{},
	}
	for _, opt := range opts {
		opt(d)
	}

	var ctrl flash.Controller = d.mem
	if d.wrap != nil {
		ctrl = d.wrap(d.mem)
	}
	d.fl = flash.NewEngine(ctrl, cfg.Layout,
		flash.WithRetries(cfg.ProgramRetries),
		flash.WithRetryDelay(cfg.RetryDelay))
	d.crc = crc.NewEngine(crc.NewPeripheral())
	d.orch = boot.New(d.fl, d.crc, cfg.Layout, d.rc, d.core)
	return d, nil
}

// Memory exposes the flash array.
func (d *Device) Memory() *flash.Memory { return d.mem }

// Layout returns the flash map.
func (d *Device) Layout() flash.Layout { return d.cfg.Layout }

// PowerOn restores the persisted flash and boots.
func (d *Device) PowerOn() (*boot.Outcome, error) {
	if d.cfg.ImagePath != "" {
		if err := d.mem.Load(d.cfg.ImagePath); err != nil {
			return nil, fmt.Errorf("device: load flash: %w", err)
		}
	}
	log.Printf("[device] power on")
	return d.reset()
}

// InjectFault simulates a fault caught by the window watchdog: the flag is
// latched and the device resets, discarding any update in progress.
func (d *Device) InjectFault() (*boot.Outcome, error) {
	log.Printf("[device] fault injected, window watchdog reset")
	d.rc.latchWindow()
	return d.reset()
}

// Provision writes img into the application area directly, as a debug
// probe would.
func (d *Device) Provision(img []byte) error {
	l := d.cfg.Layout
	if len(img) == 0 || uint32(len(img)) > l.ImageSize() {
		return fmt.Errorf("device: image of %d bytes does not fit %d", len(img), l.ImageSize())
	}

	d.run.Lock()
	defer d.run.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	sectors := (uint32(len(img)) + l.Bank1.SectorSize - 1) / l.Bank1.SectorSize
	for i := 0; i < int(sectors); i++ {
		if err := d.fl.EraseSector(l.AppSector+i, flash.Bank1); err != nil {
			return err
		}
	}
	base := l.AppBase()
	cursor := base
	for off := 0; off < len(img); off += flash.WordSize {
		var w [flash.WordSize]byte
		for i := range w {
			w[i] = 0xFF
		}
		copy(w[:], img[off:])
		if err := d.fl.ProgramWord(base, &cursor, &w); err != nil {
			return err
		}
	}
	log.Printf("[device] provisioned %d bytes at 0x%08X", len(img), base)
	return d.persist()
}

// Command handles one update channel command. A halted core does not
// answer; the pipeline error code is returned instead.
func (d *Device) Command(state int, data []byte) update.Result {
	d.run.Lock()
	defer d.run.Unlock()
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil || !d.core.Running() {
		log.Printf("[device] command %d dropped: %v", state, ErrHalted)
		return update.ResultFlashPipeline
	}
	return h.Command(state, data)
}

// Status returns a snapshot of the device.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status()
}

func (d *Device) status() Status {
	st := Status{
		Core:         d.core.State(),
		Boot:         d.outcome,
		PendingReset: d.resetArm != nil,
		Stamp:        time.Now().UnixMilli(),
	}
	if d.bootErr != nil {
		st.BootError = d.bootErr.Error()
	}
	if d.handler != nil {
		st.Update = d.handler.Snapshot()
	}
	return st
}

// Shutdown cancels a pending reset and persists the flash.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resetArm != nil {
		d.resetArm.Stop()
		d.resetArm = nil
	}
	log.Printf("[device] shutdown")
	return d.persist()
}

// reset models a core reset: RAM state, and with it any open session, is
// lost and the orchestrator runs again.
func (d *Device) reset() (*boot.Outcome, error) {
	d.run.Lock()
	defer d.run.Unlock()
	d.mu.Lock()
	if d.resetArm != nil {
		d.resetArm.Stop()
		d.resetArm = nil
	}
	d.core.reset()
	d.handler = nil
	d.session = nil

	out, err := d.orch.Run()
	d.outcome, d.bootErr = out, err
	if err == nil {
		if serr := d.startApplication(); serr != nil {
			log.Printf("[device] application start: %v", serr)
			d.bootErr = serr
		}
	}
	if perr := d.persist(); perr != nil {
		log.Printf("[device] persist: %v", perr)
	}
	st := d.status()
	d.mu.Unlock()

	for _, fn := range d.bootObservers {
		fn(st)
	}
	return out, err
}

// startApplication sets up the update channel of the running application.
func (d *Device) startApplication() error {
	s, err := update.NewSession(d.fl, d.crc, d.cfg.Layout, d.cfg.Params)
	if err != nil {
		return err
	}
	d.session = s
	d.handler = update.NewHandler(s,
		update.WithMaxChecksumErrors(d.cfg.MaxChecksumErrors),
		update.WithObserver(d.observe),
		update.WithOnComplete(d.complete),
	)
	return nil
}

func (d *Device) observe(rep update.Report) {
	for _, fn := range d.observers {
		fn(rep)
	}
}

// complete arms the independent watchdog once an image is staged.
func (d *Device) complete(st update.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.persist(); err != nil {
		log.Printf("[device] persist: %v", err)
	}
	if d.resetArm != nil {
		d.resetArm.Stop()
	}
	log.Printf("[device] update staged (crc 0x%08X), reset in %v", st.CRCImage, d.cfg.ResetDelay)
	d.resetArm = time.AfterFunc(d.cfg.ResetDelay, func() {
		d.rc.latchIndependent()
		if _, err := d.reset(); err != nil {
			log.Printf("[device] watchdog reset: %v", err)
		}
	})
}

func (d *Device) persist() error {
	if d.cfg.ImagePath == "" {
		return nil
	}
	return d.mem.Save(d.cfg.ImagePath)
}
