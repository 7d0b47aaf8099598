package update_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/hexline"
	"github.com/shaunagostinho/dualboot/internal/image"
	"github.com/shaunagostinho/dualboot/internal/update"
)

func hexLines(t *testing.T, stream []byte, transitional bool) []string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, image.WriteHex(&buf, stream, transitional))
	lines, err := image.ReadHexLines(&buf)
	require.NoError(t, err)
	return lines
}

func newHandler(t *testing.T, opts ...update.HandlerOption) (*update.Handler, *rig) {
	t.Helper()
	r := newRig(t, flash.DefaultLayout(), update.DefaultParams())
	return update.NewHandler(r.session, opts...), r
}

func TestHandlerUpload(t *testing.T) {
	var completed []update.Status
	var reports []update.Report
	h, r := newHandler(t,
		update.WithOnComplete(func(st update.Status) { completed = append(completed, st) }),
		update.WithObserver(func(rep update.Report) { reports = append(reports, rep) }),
	)
	img := firmware(5000, 20)
	lines := hexLines(t, pack(t, img, update.DefaultParams()), false)

	assert.Equal(t, update.PhaseIdle, h.Phase())
	require.Equal(t, update.ResultOK, h.Command(update.CommandStart, nil))
	assert.Equal(t, update.PhaseStarted, h.Phase())
	for _, line := range lines {
		require.Equal(t, update.ResultOK, h.Command(update.CommandData, []byte(line)), line)
	}
	assert.Equal(t, update.PhaseReceiving, h.Phase())
	require.Equal(t, update.ResultOK, h.Command(update.CommandClose, nil))
	assert.Equal(t, update.PhaseIdle, h.Phase())

	require.Len(t, completed, 1)
	assert.Equal(t, update.StateSuccess, completed[0].State)
	assert.Len(t, reports, len(lines)+2)
	assert.Equal(t, img, readFlash(t, r.fl, r.layout.StagingBase(), len(img)))
}

func TestHandlerTransitionalUpload(t *testing.T) {
	h, r := newHandler(t)
	img := firmware(2000, 21)
	lines := hexLines(t, pack(t, img, update.DefaultParams(), image.WithTransitional(nil)), true)

	marker, err := hexline.Decode([]byte(lines[0]))
	require.NoError(t, err)
	require.True(t, marker.IsTransitionalMarker())

	require.Equal(t, update.ResultOK, h.Start())
	for _, line := range lines {
		require.Equal(t, update.ResultOK, h.Data([]byte(line)))
	}
	require.Equal(t, update.ResultOK, h.Close())
	assert.True(t, h.Snapshot().Transitional)
	assert.Equal(t, img, readFlash(t, r.fl, r.layout.StagingBase(), len(img)))
}

func TestHandlerOutOfOrderCommands(t *testing.T) {
	h, _ := newHandler(t)
	line := hexline.Encode(hexline.Record{Data: []byte{1, 2, 3, 4}})

	assert.Equal(t, update.ResultFormat, h.Data([]byte(line)))
	assert.Equal(t, update.ResultFormat, h.Close())
	assert.Equal(t, update.ResultFormat, h.Command(7, nil))

	require.Equal(t, update.ResultOK, h.Start())
	assert.Equal(t, update.ResultFormat, h.Close(), "close needs at least one data line")
	require.Equal(t, update.ResultOK, h.Start(), "restart replaces the open session")
	assert.Equal(t, update.PhaseStarted, h.Phase())
}

func TestHandlerChecksumStrikes(t *testing.T) {
	h, _ := newHandler(t)
	good := hexline.Encode(hexline.Record{Data: []byte{1, 2, 3, 4}})
	bad := []byte(good)
	bad[len(bad)-1] ^= 0x01

	require.Equal(t, update.ResultOK, h.Start())
	for i := 0; i < update.DefaultMaxChecksumErrors-1; i++ {
		require.Equal(t, update.ResultChecksum, h.Data(bad))
	}
	assert.Equal(t, update.DefaultMaxChecksumErrors-1, h.Snapshot().ChecksumErrors)

	require.Equal(t, update.ResultOK, h.Data([]byte(good)))
	assert.Zero(t, h.Snapshot().ChecksumErrors)

	for i := 0; i < update.DefaultMaxChecksumErrors; i++ {
		require.Equal(t, update.ResultChecksum, h.Data(bad))
	}
	assert.Equal(t, update.PhaseIdle, h.Phase())
	assert.Equal(t, update.ResultFormat, h.Data([]byte(good)))
}

func TestHandlerLineErrors(t *testing.T) {
	h, _ := newHandler(t)
	require.Equal(t, update.ResultOK, h.Start())
	assert.Equal(t, update.ResultChecksum, h.Data([]byte(":0400000001020304ZZ")))
	assert.Equal(t, update.ResultFormat, h.Data([]byte(":040000000102030")))
	assert.Equal(t, update.ResultOK, h.Data([]byte(":00000001FF")), "end of file records are ignored")
}

func TestHandlerPipelineFailureErasesStaging(t *testing.T) {
	h, r := newHandler(t)
	stream := pack(t, firmware(4096, 22), update.DefaultParams())
	stream[0] ^= 0xFF
	lines := hexLines(t, stream, false)

	require.Equal(t, update.ResultOK, h.Start())
	var res update.Result
	for _, line := range lines {
		if res = h.Data([]byte(line)); res != update.ResultOK {
			break
		}
	}
	assert.Equal(t, update.ResultFlashPipeline, res)
	assert.Equal(t, update.PhaseIdle, h.Phase())
	assert.Equal(t, update.StateHeaderError, h.Snapshot().State)
	assert.Equal(t, 1, r.mem.Erases)
}

func TestHandlerBufferOverrun(t *testing.T) {
	h, _ := newHandler(t)
	line := []byte(hexline.Encode(hexline.Record{Data: bytes.Repeat([]byte{0xAA}, 255)}))

	require.Equal(t, update.ResultOK, h.Start())
	require.Equal(t, update.ResultOK, h.Data(line))
	require.Equal(t, update.ResultOK, h.Data(line))
	assert.Equal(t, update.ResultFlashBuffer, h.Data(line))
	assert.Equal(t, update.StateAcquireOverrun, h.Snapshot().State)
	assert.Equal(t, update.PhaseIdle, h.Phase())
}

func TestHandlerCloseFailure(t *testing.T) {
	var completed int
	h, r := newHandler(t, update.WithOnComplete(func(update.Status) { completed++ }))
	stream := pack(t, firmware(4096, 23), update.DefaultParams())
	stream[len(stream)-100] ^= 0x10

	require.Equal(t, update.ResultOK, h.Start())
	for _, line := range hexLines(t, stream, false) {
		require.Equal(t, update.ResultOK, h.Data([]byte(line)))
	}
	assert.True(t, r.fl.IsPresent(r.layout.StagingBase()))
	assert.Equal(t, update.ResultFlashClose, h.Close())
	assert.False(t, r.fl.IsPresent(r.layout.StagingBase()))
	assert.Zero(t, completed)
	assert.Equal(t, update.StateCRC32Error, h.Snapshot().State)
}

func TestHandlerAbort(t *testing.T) {
	h, r := newHandler(t)
	h.Abort(nil)
	assert.Zero(t, r.mem.Erases)

	require.Equal(t, update.ResultOK, h.Start())
	h.Abort(assert.AnError)
	assert.Equal(t, update.PhaseIdle, h.Phase())
	assert.Equal(t, 1, r.mem.Erases)
}
