package image

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dualboot/internal/crc"
	"github.com/shaunagostinho/dualboot/internal/update"
)

func testImage(n int) []byte {
	img := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(img)
	binary.LittleEndian.PutUint32(img, 0x20020000)
	return img
}

func TestPackInspectRoundTrip(t *testing.T) {
	p := update.DefaultParams()
	img := testImage(1000)
	stream, err := Pack(img, p, WithRand(rand.New(rand.NewSource(1))), WithRandomBlocks(5))
	require.NoError(t, err)
	assert.Equal(t, p.IDCode[:], stream[:4])

	h, err := Inspect(stream, p, false)
	require.NoError(t, err)
	assert.Equal(t, 5, h.RandomBlocks)
	assert.Equal(t, len(stream), h.HeaderLen+h.BodyLen)
	assert.Equal(t, 1004, h.ImageLen)
	assert.Equal(t, uint32(0x20020000), h.FirstWord)
	assert.True(t, h.Valid())

	padded := append(append([]byte(nil), img...), bytes.Repeat([]byte{0xFF}, 4)...)
	assert.Equal(t, crc.Checksum(padded), h.CRCStored)
}

func TestPackIsRandomized(t *testing.T) {
	p := update.DefaultParams()
	img := testImage(256)
	a, err := Pack(img, p)
	require.NoError(t, err)
	b, err := Pack(img, p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPackValidation(t *testing.T) {
	p := update.DefaultParams()

	_, err := Pack([]byte{0, 0, 2, 0x20}, p)
	assert.ErrorIs(t, err, ErrImageTooShort)

	img := testImage(64)
	img[3] = 0x30
	_, err = Pack(img, p)
	assert.ErrorIs(t, err, ErrFirstWord)

	_, err = Pack(testImage(64), p, WithTransitional(make([]byte, 10)))
	assert.ErrorIs(t, err, ErrPrefixSize)

	_, err = Pack(testImage(64), p, WithRandomBlocks(8))
	assert.Error(t, err)
}

func TestPackRejectsStreamOverLimit(t *testing.T) {
	p := update.DefaultParams()

	_, err := Pack(testImage(p.MaxStreamSize), p)
	assert.ErrorIs(t, err, ErrStreamTooLong)

	_, err = Pack(testImage(700*1024), p)
	assert.ErrorIs(t, err, ErrStreamTooLong)

	stream, err := Pack(testImage(400*1024), p)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stream), p.MaxStreamSize)
}

func TestInspectTransitional(t *testing.T) {
	p := update.DefaultParams()
	img := testImage(2016)
	stream, err := Pack(img, p, WithTransitional(nil))
	require.NoError(t, err)

	h, err := Inspect(stream, p, true)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, 2028, h.ImageLen)
	assert.Equal(t, uint32(0x20020000), h.FirstWord)
}

func TestInspectWrongKey(t *testing.T) {
	p := update.DefaultParams()
	stream, err := Pack(testImage(512), p)
	require.NoError(t, err)

	other := p
	other.IDCode = [4]byte{1, 2, 3, 4}
	_, err = Inspect(stream, other, false)
	assert.ErrorIs(t, err, update.ErrIDCode)

	_, err = Inspect(stream[:10], p, false)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestHexRoundTrip(t *testing.T) {
	p := update.DefaultParams()
	stream, err := Pack(testImage(3000), p)
	require.NoError(t, err)

	for _, transitional := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, WriteHex(&buf, stream, transitional))
		text := buf.String()

		lines, err := ReadHexLines(strings.NewReader(text))
		require.NoError(t, err)
		assert.Equal(t, ":00000001FF", lines[len(lines)-1])
		if transitional {
			assert.Equal(t, ":020000041234B4", lines[0])
		}

		got, gotTransitional, err := ReadStream(strings.NewReader(text))
		require.NoError(t, err)
		assert.Equal(t, stream, got)
		assert.Equal(t, transitional, gotTransitional)
	}
}

func TestReadHexLinesRejectsCorruption(t *testing.T) {
	_, err := ReadHexLines(strings.NewReader(":0400000001020304F2\n:0400000001020304F3\n"))
	assert.Error(t, err)
	_, err = ReadHexLines(strings.NewReader("0400000001020304F2\n"))
	assert.Error(t, err)
}
