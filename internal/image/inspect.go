package image

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/update"
)

var ErrTruncated = errors.New("image: stream truncated")

// Header is what Inspect learns from a stream.
type Header struct {
	IDCode       [4]byte `json:"idCode"`
	Rnd1Len      int     `json:"rnd1Len"`
	Rnd2Len      int     `json:"rnd2Len"`
	IV           []byte  `json:"iv"`
	RandomBlocks int     `json:"randomBlocks"`
	HeaderLen    int     `json:"headerLen"`
	BodyLen      int     `json:"bodyLen"`
	Transitional bool    `json:"transitional"`
	ImageLen     int     `json:"imageLen"`
	FirstWord    uint32  `json:"firstWord"`
	CRCStored    uint32  `json:"crcStored"`
	CRCComputed  uint32  `json:"crcComputed"`
}

// Valid reports whether the stored and computed CRCs agree.
func (h *Header) Valid() bool { return h.CRCStored == h.CRCComputed }

// Inspect decodes a complete stream with p's key. transitional says whether
// the body starts with the CRC-only prefix.
func Inspect(stream []byte, p update.Params, transitional bool) (*Header, error) {
	h := &Header{Transitional: transitional}
	r := reader{b: stream}

	copy(h.IDCode[:], r.next(4))
	h.Rnd1Len = r.random()
	h.IV = append([]byte(nil), r.next(update.BlockSize)...)
	h.Rnd2Len = r.random()
	if r.err != nil {
		return nil, r.err
	}
	if h.IDCode != p.IDCode {
		return h, fmt.Errorf("%w: got % x", update.ErrIDCode, h.IDCode[:])
	}

	block, err := aes.NewCipher(p.Key)
	if err != nil {
		return nil, err
	}
	body := append([]byte(nil), r.rest()...)
	if len(body) < update.BlockSize || len(body)%update.BlockSize != 0 {
		return h, fmt.Errorf("%w: encrypted part is %d bytes", ErrTruncated, len(body))
	}
	cipher.NewCBCDecrypter(block, h.IV).CryptBlocks(body, body)

	h.RandomBlocks = int(body[0])
	if h.RandomBlocks < update.MinRandomBlocks || h.RandomBlocks >= update.MaxRandomBlocks {
		return h, fmt.Errorf("%w: %d", update.ErrRandomBlockCount, h.RandomBlocks)
	}
	skip := h.RandomBlocks * update.BlockSize
	h.HeaderLen = r.off + skip
	if len(body) < skip+4 {
		return h, ErrTruncated
	}
	plain := body[skip:]
	h.BodyLen = len(plain)

	payload := plain[:len(plain)-4]
	h.CRCStored = binary.BigEndian.Uint32(plain[len(plain)-4:])
	h.CRCComputed = crc.Checksum(payload)

	img := payload
	if transitional {
		if len(img) < p.TransitionalSkip {
			return h, fmt.Errorf("%w: body shorter than the transitional prefix", ErrTruncated)
		}
		img = img[p.TransitionalSkip:]
	}
	h.ImageLen = len(img)
	if len(img) >= 4 {
		h.FirstWord = binary.LittleEndian.Uint32(img)
	}
	return h, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil || r.off+n > len(r.b) {
		r.err = ErrTruncated
		return make([]byte, n)
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) random() int {
	first := r.next(1)
	n := int(first[0]&0x3C) + 4
	r.next(n - 1)
	return n
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.b[r.off:]
}
