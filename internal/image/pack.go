// Package image builds and inspects encrypted update streams on the host
// side and converts them to and from Intel HEX.
package image

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/update"
)

var (
	ErrImageTooShort = errors.New("image: image shorter than a vector table")
	ErrFirstWord     = errors.New("image: first word is not the expected stack pointer")
	ErrPrefixSize    = errors.New("image: transitional prefix has the wrong size")
	ErrStreamTooLong = errors.New("image: stream longer than the device accepts")
)

// Option configures Pack.
type Option func(*packer)

type packer struct {
	p            update.Params
	rand         io.Reader
	randomBlocks int
	transitional bool
	prefix       []byte
}

// WithRand sets the source of IV and padding bytes. crypto/rand is used
// otherwise.
func WithRand(r io.Reader) Option {
	return func(pk *packer) { pk.rand = r }
}

// WithRandomBlocks fixes the number of random header blocks, 4 to 7.
func WithRandomBlocks(n int) Option {
	return func(pk *packer) { pk.randomBlocks = n }
}

// WithTransitional builds the transitional variant. prefix is the CRC-only
// segment and must be TransitionalSkip bytes long; nil fills it with
// random bytes.
func WithTransitional(prefix []byte) Option {
	return func(pk *packer) {
		pk.transitional = true
		pk.prefix = prefix
	}
}

// Pack encrypts img into an update stream:
//
//	ID | rnd1 | IV | rnd2 | E(n | n-1 random blocks | [prefix] | img | pad | CRC)
//
// img is padded with 0xFF so the encrypted body is a whole number of cipher
// blocks. The CRC covers prefix, image and padding and is stored big-endian.
// A stream longer than p.MaxStreamSize is rejected, as the device would
// run its final check before the stream ends.
func Pack(img []byte, p update.Params, opts ...Option) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	pk := &packer{p: p, rand: rand.Reader}
	for _, opt := range opts {
		opt(pk)
	}
	if len(img) < 8 {
		return nil, ErrImageTooShort
	}
	if w := binary.LittleEndian.Uint32(img); w != p.FirstWord {
		return nil, fmt.Errorf("%w: 0x%08X, want 0x%08X", ErrFirstWord, w, p.FirstWord)
	}

	var plain bytes.Buffer
	if pk.transitional {
		prefix := pk.prefix
		if prefix == nil {
			prefix = make([]byte, p.TransitionalSkip)
			if _, err := io.ReadFull(pk.rand, prefix); err != nil {
				return nil, err
			}
		}
		if len(prefix) != p.TransitionalSkip {
			return nil, fmt.Errorf("%w: %d bytes, want %d", ErrPrefixSize, len(prefix), p.TransitionalSkip)
		}
		plain.Write(prefix)
	}
	plain.Write(img)
	for (plain.Len()+4)%update.BlockSize != 0 {
		plain.WriteByte(0xFF)
	}
	sum := crc.Checksum(plain.Bytes())
	binary.Write(&plain, binary.BigEndian, sum)

	n := pk.randomBlocks
	if n == 0 {
		var b [1]byte
		if _, err := io.ReadFull(pk.rand, b[:]); err != nil {
			return nil, err
		}
		n = update.MinRandomBlocks + int(b[0])%(update.MaxRandomBlocks-update.MinRandomBlocks)
	}
	if n < update.MinRandomBlocks || n >= update.MaxRandomBlocks {
		return nil, fmt.Errorf("image: random block count %d out of range", n)
	}

	header := make([]byte, n*update.BlockSize)
	if _, err := io.ReadFull(pk.rand, header); err != nil {
		return nil, err
	}
	header[0] = byte(n)
	body := append(header, plain.Bytes()...)

	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, update.BlockSize)
	if _, err := io.ReadFull(pk.rand, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(body, body)

	var out bytes.Buffer
	out.Write(p.IDCode[:])
	if err := pk.writeRandomField(&out); err != nil {
		return nil, err
	}
	out.Write(iv)
	if err := pk.writeRandomField(&out); err != nil {
		return nil, err
	}
	out.Write(body)
	if out.Len() > p.MaxStreamSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrStreamTooLong, out.Len(), p.MaxStreamSize)
	}
	return out.Bytes(), nil
}

// writeRandomField writes a padding field whose length is encoded in its
// own first byte.
func (pk *packer) writeRandomField(w *bytes.Buffer) error {
	var first [1]byte
	if _, err := io.ReadFull(pk.rand, first[:]); err != nil {
		return err
	}
	field := make([]byte, int(first[0]&0x3C)+4)
	if _, err := io.ReadFull(pk.rand, field[1:]); err != nil {
		return err
	}
	field[0] = first[0]
	w.Write(field)
	return nil
}
