// Package update receives an encrypted firmware stream line by line,
// decrypts it and programs it into the staging bank.
//
// The stream is laid out as
//
//	ID(4) | rnd1 | IV(16) | rnd2 | E(count block | n-1 random blocks) | E(image | CRC)
//
// where each rnd field is 4 + (first byte & 0x3C) bytes long and the CRC is
// a big-endian word following the image. A Session decodes the header once
// ProbeSize bytes are buffered, then decrypts and programs 32 bytes at a
// time. It never blocks: each Feed advances the pipeline as far as the
// buffered bytes allow and returns.
package update

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/ringbuf"
)

// erasedWord is what a flash word reads after erase; short units are
// padded with it.
var erasedWord = func() (w [flash.WordSize]byte) {
	for i := range w {
		w[i] = 0xFF
	}
	return w
}()

// Status is a point-in-time view of a session.
type Status struct {
	Phase          string `json:"phase,omitempty"`
	ChecksumErrors int    `json:"checksumErrors"`

	Open         bool   `json:"open"`
	State        State  `json:"state"`
	Destination  uint32 `json:"destination"`
	FileIndex    int    `json:"fileIndex"`
	FileSize     int    `json:"fileSize"`
	HeaderLen    int    `json:"headerLen"`
	Buffered     int    `json:"buffered"`
	Transitional bool   `json:"transitional"`
	CRCRunning   uint32 `json:"crcRunning"`
	CRCImage     uint32 `json:"crcImage"`
	Err          string `json:"error,omitempty"`
}

// Session owns the receive buffer, cipher chain and CRC state of one update.
type Session struct {
	fl     *flash.Engine
	crc    *crc.Engine
	layout flash.Layout
	p      Params

	buf   *ringbuf.Buffer
	block cipher.Block
	dec   cipher.BlockMode

	open         bool
	closing      bool
	state        State
	dest         uint32
	fileSize     int
	fileIndex    int
	headerLen    int
	parserIndex  int
	expected     int
	transitional bool
	crcRunning   uint32
	crcImage     uint32
	err          error
}

// NewSession creates an idle session. Start must be called before data is fed.
func NewSession(fl *flash.Engine, c *crc.Engine, layout flash.Layout, p Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}
	buf, err := ringbuf.New(BufferSize)
	if err != nil {
		return nil, err
	}
	return &Session{
		fl:     fl,
		crc:    c,
		layout: layout,
		p:      p,
		buf:    buf,
		block:  block,
	}, nil
}

// Start resets all session state and mass-erases the staging bank. Any
// session already open is discarded.
func (s *Session) Start() error {
	s.crc.Reset()
	s.buf.Reset()
	s.dec = nil
	s.open = true
	s.closing = false
	s.state = StateInit
	s.dest = s.layout.StagingBase()
	s.fileSize = s.p.MaxStreamSize
	s.fileIndex = 0
	s.headerLen = 0
	s.parserIndex = 0
	s.expected = s.p.ProbeSize
	s.transitional = false
	s.crcRunning = 0
	s.crcImage = 0
	s.err = nil

	if err := s.fl.MassErase(flash.Bank2); err != nil {
		return s.fail(StateError, "start", err)
	}
	log.Printf("[update] session started, staging at 0x%08X", s.dest)
	return nil
}

// SetTransitional marks the stream as the transitional variant: the first
// TransitionalSkip decrypted bytes are only fed to the CRC. The flag stays
// set until the next Start.
func (s *Session) SetTransitional() {
	if !s.transitional {
		log.Printf("[update] transitional image, first %d bytes are CRC only", s.p.TransitionalSkip)
	}
	s.transitional = true
}

// Transitional reports whether the transitional flag is set.
func (s *Session) Transitional() bool { return s.transitional }

// State returns the pipeline state.
func (s *Session) State() State { return s.state }

// Feed buffers decoded stream bytes and advances the pipeline.
func (s *Session) Feed(p []byte) error {
	if !s.open {
		return &SessionError{State: s.state, Op: "feed", Err: ErrNoSession}
	}
	if s.state.Terminal() {
		return &SessionError{State: s.state, Op: "feed"}
	}
	if err := s.buf.Push(p); err != nil {
		return s.fail(StateAcquireOverrun, "feed", fmt.Errorf("%w: %v", ErrAcquireOverrun, err))
	}
	s.fileIndex += len(p)
	return s.drive()
}

// Close ends the stream: the remaining ciphertext is drained and the
// programmed image is checked against its trailing CRC. A trailing half
// unit is decrypted and padded with erased bytes; any other remainder
// fails the session.
func (s *Session) Close() error {
	if !s.open {
		return &SessionError{State: s.state, Op: "close", Err: ErrNoSession}
	}
	switch {
	case s.state == StateSuccess:
		return nil
	case s.state.Failed():
		return s.err
	}
	s.fileSize = s.fileIndex
	s.closing = true
	if err := s.drive(); err != nil {
		return err
	}
	if s.state.Terminal() {
		return s.err
	}
	return s.finish("close")
}

// finish drains what is left once the whole stream is buffered and runs
// the final check.
func (s *Session) finish(op string) error {
	switch rem := s.buf.Used(); rem {
	case 0:
	case BlockSize:
		ct := make([]byte, BlockSize)
		if err := s.buf.Pop(ct); err != nil {
			return s.fail(StateError, op, err)
		}
		if err := s.process(ct); err != nil {
			return err
		}
	default:
		return s.fail(StateError, op, fmt.Errorf("%w: %d bytes left", ErrTrailingBytes, rem))
	}
	return s.check()
}

// Discard erases the first staging sector so a failed image is never
// mistaken for a present one.
func (s *Session) Discard() error {
	if err := s.fl.EraseSector(s.layout.StagingSector, flash.Bank2); err != nil {
		log.Printf("[update] discard staging sector: %v", err)
		return err
	}
	log.Printf("[update] staging sector %d erased", s.layout.StagingSector)
	return nil
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Status {
	st := Status{
		Open:         s.open,
		State:        s.state,
		Destination:  s.dest,
		FileIndex:    s.fileIndex,
		FileSize:     s.fileSize,
		HeaderLen:    s.headerLen,
		Buffered:     s.buf.Used(),
		Transitional: s.transitional,
		CRCRunning:   s.crcRunning,
		CRCImage:     s.crcImage,
	}
	if s.err != nil {
		st.Err = s.err.Error()
	}
	return st
}

// drive advances the state machine until it needs more input or stops.
func (s *Session) drive() error {
	for {
		switch s.state {
		case StateInit:
			if s.buf.Used() < s.expected && !s.closing {
				return nil
			}
			s.state = StateHeaderDecode
		case StateHeaderDecode:
			if err := s.decodeHeader(); err != nil {
				return s.fail(StateHeaderError, "header", err)
			}
			s.state = StateProgramming
			s.expected = UnitSize
		case StateProgramming:
			if s.buf.Used() < s.expected {
				// A stream that reaches the size bound is checked
				// without waiting for close.
				if s.fileIndex >= s.fileSize && !s.closing {
					return s.finish("program")
				}
				return nil
			}
			ct := make([]byte, UnitSize)
			if err := s.buf.Pop(ct); err != nil {
				return s.fail(StateError, "program", err)
			}
			if err := s.process(ct); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Session) decodeHeader() error {
	var id [4]byte
	if err := s.pop(id[:]); err != nil {
		return err
	}
	if id != s.p.IDCode {
		return fmt.Errorf("%w: got % x", ErrIDCode, id[:])
	}
	j1, err := s.skipRandom()
	if err != nil {
		return err
	}
	iv := make([]byte, BlockSize)
	if err := s.pop(iv); err != nil {
		return err
	}
	j2, err := s.skipRandom()
	if err != nil {
		return err
	}
	s.parserIndex = len(id) + j1 + BlockSize + j2

	s.dec = cipher.NewCBCDecrypter(s.block, iv)
	block := make([]byte, BlockSize)
	if err := s.pop(block); err != nil {
		return err
	}
	s.parserIndex += BlockSize
	s.dec.CryptBlocks(block, block)
	n := int(block[0])
	if n < MinRandomBlocks || n >= MaxRandomBlocks {
		return fmt.Errorf("%w: %d", ErrRandomBlockCount, n)
	}
	for i := 1; i < n; i++ {
		if err := s.pop(block); err != nil {
			return err
		}
		s.parserIndex += BlockSize
		s.dec.CryptBlocks(block, block)
	}
	s.headerLen = s.parserIndex
	log.Printf("[update] header decoded: %d bytes, %d random blocks", s.headerLen, n)
	return nil
}

// skipRandom consumes one random padding field and returns its length.
func (s *Session) skipRandom() (int, error) {
	b, err := s.buf.PopByte()
	if err != nil {
		return 0, ErrShortHeader
	}
	n := int(b&0x3C) + 4
	if err := s.buf.Skip(n - 1); err != nil {
		return 0, ErrShortHeader
	}
	return n, nil
}

func (s *Session) pop(p []byte) error {
	if err := s.buf.Pop(p); err != nil {
		return ErrShortHeader
	}
	return nil
}

// process decrypts one unit (or the final half unit) and either programs it
// or, inside the transitional prefix, only accumulates its CRC.
func (s *Session) process(ct []byte) error {
	plain := erasedWord
	s.dec.CryptBlocks(plain[:len(ct)], ct)
	offset := s.parserIndex - s.headerLen
	s.parserIndex += len(ct)

	if s.transitional && offset < s.p.TransitionalSkip {
		s.crcRunning = s.crc.Calc(plain[:len(ct)])
		return nil
	}
	if s.dest == s.layout.StagingBase() {
		if w := binary.LittleEndian.Uint32(plain[:4]); w != s.p.FirstWord {
			return s.fail(StateFirstWordMismatch, "program",
				fmt.Errorf("%w: got 0x%08X, want 0x%08X", ErrFirstWordMismatch, w, s.p.FirstWord))
		}
	}
	if s.dest >= s.layout.StagingLimit() {
		return s.fail(StateWriteOverrun, "program",
			fmt.Errorf("%w: 0x%08X", ErrWriteOverrun, s.dest))
	}
	if err := s.fl.ProgramWord(s.layout.StagingBase(), &s.dest, &plain); err != nil {
		return s.fail(StateWriteError, "program", err)
	}
	return nil
}

// check compares the CRC of the programmed image with the trailing word.
func (s *Session) check() error {
	n := s.fileIndex - s.headerLen - 4
	if s.transitional {
		n -= s.p.TransitionalSkip
	}
	base := s.layout.StagingBase()
	if n < 0 || uint64(base)+uint64(n)+4 > uint64(s.dest) {
		return s.fail(StateCRC32Error, "check",
			fmt.Errorf("%w: image length %d does not fit the programmed area", ErrCRCMismatch, n))
	}

	var trailer [4]byte
	if err := s.fl.Read(base+uint32(n), trailer[:]); err != nil {
		return s.fail(StateError, "check", err)
	}
	s.crcImage = binary.BigEndian.Uint32(trailer[:])

	if !s.transitional {
		s.crc.Reset()
	}
	sum, err := s.crc.CalcAt(s.fl, int64(base), int64(n))
	if err != nil {
		return s.fail(StateError, "check", err)
	}
	s.crcRunning = sum
	if sum != s.crcImage {
		return s.fail(StateCRC32Error, "check",
			fmt.Errorf("%w: computed 0x%08X, image carries 0x%08X", ErrCRCMismatch, sum, s.crcImage))
	}
	s.state = StateSuccess
	log.Printf("[update] image verified: %d bytes, crc 0x%08X", n, sum)
	return nil
}

func (s *Session) fail(st State, op string, err error) error {
	s.state = st
	se := &SessionError{State: st, Op: op, Err: err}
	s.err = se
	log.Printf("[update] %s failed, state %s: %v", op, st, err)
	return se
}

// IsFailure reports whether err ended a session, as opposed to a call made
// in the wrong state.
func IsFailure(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.State.Failed() && se.Err != nil
}
