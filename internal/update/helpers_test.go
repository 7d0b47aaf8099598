package update_test

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/image"
	"github.com/shaunagostinho/dualboot/internal/update"
)

type rig struct {
	layout  flash.Layout
	mem     *flash.Memory
	fl      *flash.Engine
	session *update.Session
}

func newRig(t *testing.T, layout flash.Layout, p update.Params) *rig {
	t.Helper()
	mem := flash.NewMemory(layout)
	fl := flash.NewEngine(mem, layout, flash.WithRetryDelay(0))
	s, err := update.NewSession(fl, crc.NewEngine(crc.NewPeripheral()), layout, p)
	require.NoError(t, err)
	return &rig{layout: layout, mem: mem, fl: fl, session: s}
}

// firmware returns a plausible application image of n bytes.
func firmware(n int, seed int64) []byte {
	img := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(img)
	binary.LittleEndian.PutUint32(img[0:], 0x20020000)
	binary.LittleEndian.PutUint32(img[4:], 0x08020199)
	return img
}

func pack(t *testing.T, img []byte, p update.Params, opts ...image.Option) []byte {
	t.Helper()
	opts = append([]image.Option{image.WithRand(rand.New(rand.NewSource(42)))}, opts...)
	stream, err := image.Pack(img, p, opts...)
	require.NoError(t, err)
	return stream
}

// feed pushes stream in 16-byte pieces, as data lines deliver it, and
// returns the first error.
func feed(s *update.Session, stream []byte) error {
	for i := 0; i < len(stream); i += 16 {
		if err := s.Feed(stream[i:min(i+16, len(stream))]); err != nil {
			return err
		}
	}
	return nil
}

// programmedLen is how far the staging cursor moves for an image of n bytes.
func programmedLen(n int) uint32 {
	body := n + 4
	for body%update.BlockSize != 0 {
		body++
	}
	return uint32((body + update.UnitSize - 1) / update.UnitSize * update.UnitSize)
}

func readFlash(t *testing.T, fl *flash.Engine, addr uint32, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	require.NoError(t, fl.Read(addr, p))
	return p
}
