// Package ringbuf implements the fixed-capacity byte ring that sits between
// the hex line decoder and the decrypt/program pipeline.
package ringbuf

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientSpace is returned when a push does not fit in the free space.
	ErrInsufficientSpace = errors.New("ringbuf: insufficient free space")
	// ErrEmpty is returned when popping more bytes than are buffered.
	ErrEmpty = errors.New("ringbuf: not enough buffered data")
)

// Buffer is a circular byte store with a power-of-two capacity.
//
// head == tail holds both when the buffer is empty and when it is full, so
// the used/free counters are what tell the two apart.
type Buffer struct {
	data []byte
	mask int
	head int // next write position
	tail int // next read position
	used int
	free int
}

// New creates a Buffer. capacity must be a non-zero power of two.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringbuf: capacity %d is not a power of two", capacity)
	}
	return &Buffer{
		data: make([]byte, capacity),
		mask: capacity - 1,
		free: capacity,
	}, nil
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Used returns the number of bytes available to read.
func (b *Buffer) Used() int { return b.used }

// Free returns the number of bytes that can still be pushed.
func (b *Buffer) Free() int { return b.free }

// Reset empties the buffer and zeroes its storage.
func (b *Buffer) Reset() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.head = 0
	b.tail = 0
	b.used = 0
	b.free = len(b.data)
}

// Push appends p. Either all of p is stored or nothing is.
func (b *Buffer) Push(p []byte) error {
	if len(p) > b.free {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientSpace, len(p), b.free)
	}
	idx := b.head
	for _, c := range p {
		b.data[idx] = c
		idx = (idx + 1) & b.mask
	}
	b.head = idx
	b.used += len(p)
	b.free -= len(p)
	return nil
}

// PopByte removes and returns the oldest byte.
func (b *Buffer) PopByte() (byte, error) {
	if b.used <= 0 {
		return 0, ErrEmpty
	}
	c := b.data[b.tail]
	b.tail = (b.tail + 1) & b.mask
	b.used--
	b.free++
	return c, nil
}

// Pop fills p with the oldest len(p) bytes. Nothing is consumed when fewer
// than len(p) bytes are buffered.
func (b *Buffer) Pop(p []byte) error {
	if len(p) > b.used {
		return fmt.Errorf("%w: need %d, have %d", ErrEmpty, len(p), b.used)
	}
	for i := range p {
		p[i] = b.data[b.tail]
		b.tail = (b.tail + 1) & b.mask
	}
	b.used -= len(p)
	b.free += len(p)
	return nil
}

// Skip discards n buffered bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.used {
		return fmt.Errorf("%w: skip %d, have %d", ErrEmpty, n, b.used)
	}
	b.tail = (b.tail + n) & b.mask
	b.used -= n
	b.free += n
	return nil
}
