package device

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dualboot/internal/boot"
	"github.com/shaunagostinho/dualboot/internal/flash"
	"github.com/shaunagostinho/dualboot/internal/image"
	"github.com/shaunagostinho/dualboot/internal/update"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryDelay = 0
	cfg.ResetDelay = 10 * time.Millisecond
	return cfg
}

func firmware(n int, pc uint32, seed int64) []byte {
	img := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(img)
	binary.LittleEndian.PutUint32(img[0:], 0x20020000)
	binary.LittleEndian.PutUint32(img[4:], pc)
	return img
}

func upload(t *testing.T, d *Device, img []byte) update.Result {
	t.Helper()
	stream, err := image.Pack(img, d.cfg.Params)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, image.WriteHex(&buf, stream, false))
	lines, err := image.ReadHexLines(&buf)
	require.NoError(t, err)

	require.Equal(t, update.ResultOK, d.Command(update.CommandStart, nil))
	for _, line := range lines {
		if res := d.Command(update.CommandData, []byte(line)); res != update.ResultOK {
			return res
		}
	}
	return d.Command(update.CommandClose, nil)
}

func read(t *testing.T, d *Device, addr uint32, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	require.NoError(t, d.fl.Read(addr, p))
	return p
}

func TestPowerOnWithoutImageHalts(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)

	out, err := d.PowerOn()
	assert.ErrorIs(t, err, boot.ErrNoImage)
	assert.Equal(t, boot.Halt, out.Action)
	assert.False(t, d.core.Running())
	assert.Equal(t, update.ResultFlashPipeline, d.Command(update.CommandStart, nil))

	st := d.Status()
	assert.NotEmpty(t, st.BootError)
	assert.NotEmpty(t, st.Core.Halted)
}

func TestUpdateIsInstalledAfterWatchdogReset(t *testing.T) {
	var mu sync.Mutex
	var boots []Status
	cfg := testConfig(t)
	cfg.ResetDelay = 200 * time.Millisecond
	d, err := New(cfg, WithBootObserver(func(st Status) {
		mu.Lock()
		boots = append(boots, st)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, d.Provision(firmware(4096, 0x08020101, 1)))
	out, err := d.PowerOn()
	require.NoError(t, err)
	assert.Equal(t, boot.BootNormal, out.Action)

	next := firmware(30000, 0x08020202, 2)
	require.Equal(t, update.ResultOK, upload(t, d, next))
	assert.True(t, d.Status().PendingReset)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(boots) == 2
	}, 5*time.Second, 5*time.Millisecond)

	st := d.Status()
	require.NotNil(t, st.Boot)
	assert.Equal(t, boot.BootAfterCopy, st.Boot.Action)
	assert.Equal(t, uint32(0x08020202), st.Core.PC)
	assert.Equal(t, 2, st.Core.Boots)
	assert.False(t, st.PendingReset)
	assert.Equal(t, update.PhaseIdle, st.Update.Phase)
	assert.Equal(t, next, read(t, d, d.Layout().AppBase(), len(next)))
}

func TestInjectFaultDiscardsUpdate(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Provision(firmware(2048, 0x08020101, 3)))
	_, err = d.PowerOn()
	require.NoError(t, err)

	require.Equal(t, update.ResultOK, d.Command(update.CommandStart, nil))
	stream, err := image.Pack(firmware(2048, 0x08020303, 4), d.cfg.Params)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, image.WriteHex(&buf, stream, false))
	lines, err := image.ReadHexLines(&buf)
	require.NoError(t, err)
	for _, line := range lines[:len(lines)/2] {
		require.Equal(t, update.ResultOK, d.Command(update.CommandData, []byte(line)))
	}

	out, err := d.InjectFault()
	require.NoError(t, err)
	assert.Equal(t, boot.BootAfterAbort, out.Action)
	assert.Equal(t, uint32(0x08020101), out.PC)
	assert.False(t, d.fl.IsPresent(d.Layout().StagingBase()))
	assert.Equal(t, update.PhaseIdle, d.Status().Update.Phase)
	assert.Equal(t, update.ResultFormat, d.Command(update.CommandData, []byte(lines[0])))
}

func TestFailedUpdateKeepsApplication(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	old := firmware(2048, 0x08020101, 5)
	require.NoError(t, d.Provision(old))
	_, err = d.PowerOn()
	require.NoError(t, err)

	d.mem.FailNextPrograms(1000)
	assert.Equal(t, update.ResultFlashPipeline, upload(t, d, firmware(2048, 0x08020404, 6)))
	assert.False(t, d.Status().PendingReset)
	assert.Equal(t, old, read(t, d, d.Layout().AppBase(), len(old)))
}

func TestFlashPersistsAcrossPowerCycles(t *testing.T) {
	cfg := testConfig(t)
	cfg.ImagePath = filepath.Join(t.TempDir(), "flash.bin")

	d, err := New(cfg)
	require.NoError(t, err)
	img := firmware(1024, 0x08020505, 7)
	require.NoError(t, d.Provision(img))
	require.NoError(t, d.Shutdown())

	d2, err := New(cfg)
	require.NoError(t, err)
	out, err := d2.PowerOn()
	require.NoError(t, err)
	assert.Equal(t, boot.BootNormal, out.Action)
	assert.Equal(t, uint32(0x08020505), out.PC)
	assert.Equal(t, img, read(t, d2, d2.Layout().AppBase(), len(img)))
}

func TestObserversSeeEveryCommand(t *testing.T) {
	var reports []update.Report
	d, err := New(testConfig(t), WithObserver(func(rep update.Report) { reports = append(reports, rep) }))
	require.NoError(t, err)
	require.NoError(t, d.Provision(firmware(1024, 0x08020101, 8)))
	_, err = d.PowerOn()
	require.NoError(t, err)

	d.Command(update.CommandStart, nil)
	d.Command(update.CommandData, []byte(":zz"))
	d.Command(9, nil)
	require.Len(t, reports, 3)
	assert.Equal(t, update.ResultOK, reports[0].Result)
	assert.Equal(t, update.ResultFormat, reports[2].Result)
	require.NoError(t, d.Shutdown())
}

func TestProvisionRejectsOversizedImage(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	assert.Error(t, d.Provision(nil))
	assert.Error(t, d.Provision(make([]byte, d.Layout().ImageSize()+1)))
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Layout.ImageSectors = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Params.Key = []byte{1, 2, 3}
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Layout.ImageSectors = 2
	_, err = New(cfg)
	assert.Error(t, err, "stream bound larger than the staging area")
}

func TestWithControllerWrapsMemory(t *testing.T) {
	var wrapped *flash.Memory
	d, err := New(testConfig(t), WithController(func(m *flash.Memory) flash.Controller {
		wrapped = m
		return m
	}))
	require.NoError(t, err)
	assert.Same(t, d.Memory(), wrapped)
}
