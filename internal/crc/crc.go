// Package crc reproduces the CRC-32 variant computed by the MCU's CRC unit
// when it is fed bit-reflected words and its output inversion is disabled.
//
// The accelerator itself only knows the MSB-first 0x04C11DB7 polynomial over
// 32-bit words. Engine does the byte packing and the bit reflections in
// software, so the result is the reflected CRC-32 (IEEE) of the input,
// zero-padded to a multiple of four bytes.
package crc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const (
	// Polynomial is the generator used by the accelerator, MSB-first.
	Polynomial = 0x04C11DB7
	// Seed is the value the accumulator is reloaded with on Reset.
	Seed = 0xFFFFFFFF

	// chunkSize must stay a multiple of 4 so chunked input chains exactly.
	chunkSize = 4096
)

// Accelerator is the hardware CRC unit: a 32-bit accumulator that takes one
// input word per call.
type Accelerator interface {
	// Reset reloads the accumulator with Seed.
	Reset()
	// Accumulate feeds one word and returns the updated register.
	Accumulate(word uint32) uint32
	// Value reads the register without changing it.
	Value() uint32
}

// Engine drives an Accelerator one reflected word at a time.
type Engine struct {
	acc Accelerator
}

// NewEngine returns an Engine bound to acc. The accumulator is reset.
func NewEngine(acc Accelerator) *Engine {
	acc.Reset()
	return &Engine{acc: acc}
}

// Reset reloads the seed. Calc without a prior Reset continues the previous
// computation.
func (e *Engine) Reset() {
	e.acc.Reset()
}

// Calc accumulates p and returns the finalized CRC of everything fed since the
// last Reset. A trailing partial word is zero-padded.
func (e *Engine) Calc(p []byte) uint32 {
	n := len(p) &^ 3
	for i := 0; i < n; i += 4 {
		e.acc.Accumulate(bits.Reverse32(binary.LittleEndian.Uint32(p[i:])))
	}
	if n < len(p) {
		var tail [4]byte
		copy(tail[:], p[n:])
		e.acc.Accumulate(bits.Reverse32(binary.LittleEndian.Uint32(tail[:])))
	}
	return Finalize(e.acc.Value())
}

// CalcAt accumulates n bytes read from r starting at off, in chunks, and
// returns the finalized CRC. Like Calc it does not reset first.
func (e *Engine) CalcAt(r io.ReaderAt, off, n int64) (uint32, error) {
	buf := make([]byte, chunkSize)
	for n > 0 {
		k := min(n, int64(len(buf)))
		if _, err := r.ReadAt(buf[:k], off); err != nil {
			return 0, fmt.Errorf("crc: read at 0x%X: %w", off, err)
		}
		e.Calc(buf[:k])
		off += k
		n -= k
	}
	return Finalize(e.acc.Value()), nil
}

// Finalize converts a raw accumulator value to the published CRC.
func Finalize(reg uint32) uint32 {
	return bits.Reverse32(reg) ^ 0xFFFFFFFF
}

// Checksum computes the CRC of p on a fresh software accelerator.
func Checksum(p []byte) uint32 {
	return NewEngine(NewPeripheral()).Calc(p)
}
