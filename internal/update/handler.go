package update

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/shaunagostinho/dualboot/internal/hexline"
)

// Result is the code returned to the command channel for every command.
type Result byte

const (
	ResultOK            Result = 0 // accepted
	ResultChecksum      Result = 1 // line checksum or digit error, resend
	ResultFormat        Result = 2 // malformed or out-of-order command
	ResultFlashPipeline Result = 3 // pipeline failed, session aborted
	ResultFlashBuffer   Result = 4 // receive buffer overrun, session aborted
	ResultFlashClose    Result = 5 // final drain or CRC check failed
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultChecksum:
		return "checksum"
	case ResultFormat:
		return "format"
	case ResultFlashPipeline:
		return "flash-pipeline"
	case ResultFlashBuffer:
		return "flash-buffer"
	case ResultFlashClose:
		return "flash-close"
	}
	return fmt.Sprintf("result(%d)", byte(r))
}

// Command codes of the update channel.
const (
	CommandStart = 0
	CommandData  = 1
	CommandClose = 2
)

// Protocol phases.
const (
	PhaseIdle      = "idle"
	PhaseStarted   = "started"
	PhaseReceiving = "receiving"
)

const (
	evStart = "start"
	evData  = "data"
	evClose = "close"
	evAbort = "abort"
)

// DefaultMaxChecksumErrors is how many consecutive bad lines abort a session.
const DefaultMaxChecksumErrors = 10

// Report describes one handled command.
type Report struct {
	Time    time.Time
	Command string
	Result  Result
	Status  Status
	Err     error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxChecksumErrors sets the consecutive checksum error limit.
func WithMaxChecksumErrors(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxChecksumErrors = n
		}
	}
}

// WithOnComplete registers a hook run after a session closes successfully.
func WithOnComplete(fn func(Status)) HandlerOption {
	return func(h *Handler) { h.onComplete = fn }
}

// WithObserver registers a hook run after every command.
func WithObserver(fn func(Report)) HandlerOption {
	return func(h *Handler) { h.observer = fn }
}

// Handler implements the start/data/close command protocol on top of a
// Session. It is safe for concurrent use; commands are serialized.
type Handler struct {
	mu      sync.Mutex
	session *Session
	fsm     *fsm.FSM

	maxChecksumErrors int
	checksumErrors    int

	onComplete func(Status)
	observer   func(Report)
}

// NewHandler wraps s.
func NewHandler(s *Session, opts ...HandlerOption) *Handler {
	h := &Handler{
		session:           s,
		maxChecksumErrors: DefaultMaxChecksumErrors,
	}
	h.fsm = fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: evStart, Src: []string{PhaseIdle, PhaseStarted, PhaseReceiving}, Dst: PhaseStarted},
			{Name: evData, Src: []string{PhaseStarted, PhaseReceiving}, Dst: PhaseReceiving},
			{Name: evClose, Src: []string{PhaseReceiving}, Dst: PhaseIdle},
			{Name: evAbort, Src: []string{PhaseStarted, PhaseReceiving}, Dst: PhaseIdle},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				log.Printf("[update] phase %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Phase returns the protocol phase.
func (h *Handler) Phase() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fsm.Current()
}

// Snapshot returns the session status with the protocol phase.
func (h *Handler) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Handler) snapshot() Status {
	st := h.session.Snapshot()
	st.Phase = h.fsm.Current()
	st.ChecksumErrors = h.checksumErrors
	return st
}

// Command dispatches a numeric channel command.
func (h *Handler) Command(state int, data []byte) Result {
	switch state {
	case CommandStart:
		return h.Start()
	case CommandData:
		return h.Data(data)
	case CommandClose:
		return h.Close()
	}
	h.mu.Lock()
	rep := h.report(fmt.Sprintf("command %d", state), ResultFormat, fmt.Errorf("unknown command %d", state))
	h.mu.Unlock()
	h.notify(rep, false)
	return ResultFormat
}

// Start opens a new session, replacing any open one, and erases the
// staging bank.
func (h *Handler) Start() Result {
	h.mu.Lock()
	h.checksumErrors = 0
	if !h.fsm.Is(PhaseStarted) {
		h.event(evStart)
	}
	res := ResultOK
	err := h.session.Start()
	if err != nil {
		h.event(evAbort)
		res = ResultFlashPipeline
	}
	rep := h.report("start", res, err)
	h.mu.Unlock()
	h.notify(rep, false)
	return res
}

// Data handles one record line.
func (h *Handler) Data(line []byte) Result {
	h.mu.Lock()
	res, err := h.data(line)
	rep := h.report("data", res, err)
	h.mu.Unlock()
	h.notify(rep, false)
	return res
}

func (h *Handler) data(line []byte) (Result, error) {
	if !h.fsm.Is(PhaseStarted) && !h.fsm.Is(PhaseReceiving) {
		return ResultFormat, fmt.Errorf("data in phase %s", h.fsm.Current())
	}
	if h.fsm.Is(PhaseStarted) {
		h.event(evData)
	}

	rec, err := hexline.Decode(line)
	switch {
	case errors.Is(err, hexline.ErrChecksum), errors.Is(err, hexline.ErrInvalidDigit):
		h.checksumErrors++
		if h.checksumErrors >= h.maxChecksumErrors {
			h.abort(fmt.Errorf("%d consecutive checksum errors", h.checksumErrors))
			h.checksumErrors = 0
		}
		return ResultChecksum, err
	case err != nil:
		return ResultFormat, err
	}

	switch {
	case rec.Type == hexline.Data:
		if err := h.session.Feed(rec.Data); err != nil {
			res := ResultFlashPipeline
			if errors.Is(err, ErrAcquireOverrun) {
				res = ResultFlashBuffer
			}
			if IsFailure(err) {
				h.abort(err)
			}
			return res, err
		}
	case rec.IsTransitionalMarker():
		h.session.SetTransitional()
	}
	h.checksumErrors = 0
	return ResultOK, nil
}

// Close finalizes the session. On success the OnComplete hook runs; on
// failure the staging sector is erased.
func (h *Handler) Close() Result {
	h.mu.Lock()
	if !h.fsm.Can(evClose) {
		rep := h.report("close", ResultFormat, fmt.Errorf("close in phase %s", h.fsm.Current()))
		h.mu.Unlock()
		h.notify(rep, false)
		return ResultFormat
	}
	res := ResultOK
	err := h.session.Close()
	if err != nil {
		h.abort(err)
		res = ResultFlashClose
	} else {
		h.event(evClose)
		log.Printf("[update] session complete, %d bytes programmed",
			h.session.Snapshot().Destination-h.session.layout.StagingBase())
	}
	rep := h.report("close", res, err)
	h.mu.Unlock()
	h.notify(rep, err == nil)
	return res
}

// Abort ends an open session, erasing the staging sector.
func (h *Handler) Abort(reason error) {
	h.mu.Lock()
	aborted := !h.fsm.Is(PhaseIdle)
	if aborted {
		h.abort(reason)
	}
	rep := h.report("abort", ResultOK, reason)
	h.mu.Unlock()
	if aborted {
		h.notify(rep, false)
	}
}

func (h *Handler) abort(reason error) {
	log.Printf("[update] aborting session: %v", reason)
	if err := h.session.Discard(); err != nil {
		log.Printf("[update] abort: %v", err)
	}
	h.event(evAbort)
}

func (h *Handler) event(name string) {
	if err := h.fsm.Event(name); err != nil {
		log.Printf("[update] phase event %s: %v", name, err)
	}
}

func (h *Handler) report(cmd string, res Result, err error) Report {
	return Report{Time: time.Now(), Command: cmd, Result: res, Status: h.snapshot(), Err: err}
}

func (h *Handler) notify(rep Report, completed bool) {
	if h.observer != nil {
		h.observer(rep)
	}
	if completed && h.onComplete != nil {
		h.onComplete(rep.Status)
	}
}
