package update

import (
	"errors"
	"fmt"
)

var (
	ErrAcquireOverrun    = errors.New("update: receive buffer overrun")
	ErrIDCode            = errors.New("update: stream ID code mismatch")
	ErrShortHeader       = errors.New("update: stream ended inside the header")
	ErrRandomBlockCount  = errors.New("update: random block count out of range")
	ErrFirstWordMismatch = errors.New("update: first image word mismatch")
	ErrWriteOverrun      = errors.New("update: image exceeds staging area")
	ErrCRCMismatch       = errors.New("update: image CRC mismatch")
	ErrTrailingBytes     = errors.New("update: stream does not end on a cipher block")
	ErrNoSession         = errors.New("update: no session open")
)

// SessionError reports an operation the session cannot take in its current
// state, or the failure that moved it into a terminal state.
type SessionError struct {
	State State
	Op    string
	Err   error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: %s in state %s: %v", e.Op, e.State, e.Err)
	}
	return fmt.Sprintf("update: %s not allowed in state %s", e.Op, e.State)
}

func (e *SessionError) Unwrap() error { return e.Err }
