package update

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shaunagostinho/dualboot/internal/flash"
)

const (
	// BufferSize is the capacity of the session's receive buffer.
	BufferSize = 512
	// BlockSize is the cipher block size.
	BlockSize = 16
	// UnitSize is how much ciphertext is decrypted and programmed at once.
	UnitSize = 32

	// MinRandomBlocks and MaxRandomBlocks bound the random block count
	// carried in the first encrypted header block: n must be in [4, 8).
	MinRandomBlocks = 4
	MaxRandomBlocks = 8

	// MaxHeaderLen is the longest header the format allows: ID, two random
	// fields of at most 64 bytes, IV and seven encrypted blocks.
	MaxHeaderLen = 4 + 64 + BlockSize + 64 + (MaxRandomBlocks-1)*BlockSize
)

// Params are the stream format and pipeline limits of an update session.
type Params struct {
	// Key is the AES-256 key the stream is encrypted with.
	Key []byte
	// IDCode is the 4-byte marker that must open every stream.
	IDCode [4]byte
	// FirstWord is the required first 32-bit word of the decrypted image,
	// the application's initial stack pointer.
	FirstWord uint32
	// MaxStreamSize is the stream length after which the session checks
	// the image without waiting for close.
	MaxStreamSize int
	// ProbeSize is how many bytes are buffered before the header is decoded.
	ProbeSize int
	// TransitionalSkip is how many decrypted bytes of a transitional image
	// go into the CRC without being programmed.
	TransitionalSkip int
}

// DefaultParams returns the parameters of the production stream format.
func DefaultParams() Params {
	return Params{
		Key:              bytes.Repeat([]byte{0xFF}, 32),
		IDCode:           [4]byte{0x01, 0x80, 0x16, 0x1a},
		FirstWord:        0x20020000,
		MaxStreamSize:    512 * 1024,
		ProbeSize:        BufferSize,
		TransitionalSkip: 128 * 1024,
	}
}

// Validate checks the parameters for consistency.
func (p Params) Validate() error {
	if len(p.Key) != 32 {
		return fmt.Errorf("update: key must be 32 bytes, got %d", len(p.Key))
	}
	if p.ProbeSize < MaxHeaderLen || p.ProbeSize > BufferSize {
		return fmt.Errorf("update: probe size %d outside [%d, %d]", p.ProbeSize, MaxHeaderLen, BufferSize)
	}
	if p.MaxStreamSize <= p.ProbeSize {
		return fmt.Errorf("update: max stream size %d too small", p.MaxStreamSize)
	}
	if p.TransitionalSkip < 0 || p.TransitionalSkip%UnitSize != 0 {
		return fmt.Errorf("update: transitional skip %d must be a non-negative multiple of %d", p.TransitionalSkip, UnitSize)
	}
	return nil
}

// CheckLayout reports whether the stream bound fits l: a stream that
// reaches MaxStreamSize must not program past the staging area.
func (p Params) CheckLayout(l flash.Layout) error {
	if p.MaxStreamSize > int(l.ImageSize()) {
		return fmt.Errorf("update: max stream size %d exceeds the %d byte staging area", p.MaxStreamSize, l.ImageSize())
	}
	return nil
}

// ParseKey decodes a hex AES-256 key. Spaces and colons are ignored.
func ParseKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(stripSeparators(s))
	if err != nil {
		return nil, fmt.Errorf("update: key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("update: key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}

// ParseIDCode decodes a 4-byte hex ID code.
func ParseIDCode(s string) ([4]byte, error) {
	var id [4]byte
	b, err := hex.DecodeString(stripSeparators(s))
	if err != nil {
		return id, fmt.Errorf("update: id code: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("update: id code must be 4 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func stripSeparators(s string) string {
	return strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.TrimSpace(s))
}
