package update

import "fmt"

// State is the position of the decrypt/program pipeline.
type State int

const (
	StateInit State = iota
	StateHeaderDecode
	StateProgramming
	StateSuccess
	StateAcquireOverrun
	StateHeaderError
	StateFirstWordMismatch
	StateWriteOverrun
	StateWriteError
	StateCRC32Error
	StateError
)

var stateNames = map[State]string{
	StateInit:              "INIT",
	StateHeaderDecode:      "HEADER_DECODE",
	StateProgramming:       "PROGRAMMING",
	StateSuccess:           "SUCCESS",
	StateAcquireOverrun:    "ACQUIRE_OVERRUN",
	StateHeaderError:       "HEADER_ERROR",
	StateFirstWordMismatch: "FIRSTWORD_MISMATCH",
	StateWriteOverrun:      "WRITE_OVERRUN",
	StateWriteError:        "WRITE_ERROR",
	StateCRC32Error:        "CRC32_ERROR",
	StateError:             "ERROR",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the pipeline can no longer advance.
func (s State) Terminal() bool { return s >= StateSuccess }

// Failed reports whether s is a terminal failure.
func (s State) Failed() bool { return s > StateSuccess }

// MarshalText lets the state appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
