package flash

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *Memory, Layout) {
	t.Helper()
	layout := DefaultLayout()
	require.NoError(t, layout.Validate())
	mem := NewMemory(layout)
	return NewEngine(mem, layout, WithRetryDelay(0)), mem, layout
}

func word(fill byte) *[WordSize]byte {
	var w [WordSize]byte
	for i := range w {
		w[i] = fill
	}
	return &w
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	require.NoError(t, l.Validate())

	assert.Equal(t, uint32(0x08020000), l.AppBase())
	assert.Equal(t, uint32(0x08100000), l.StagingBase())
	assert.Equal(t, uint32(6*128*1024), l.ImageSize())
	assert.Equal(t, uint32(0x081C0000), l.StagingLimit())

	bank, sector, ok := l.SectorOf(0x0812_0004)
	require.True(t, ok)
	assert.Equal(t, Bank2, bank)
	assert.Equal(t, 1, sector)

	_, _, ok = l.SectorOf(0x0900_0000)
	assert.False(t, ok)

	bad := DefaultLayout()
	bad.ImageSectors = 8
	assert.Error(t, bad.Validate())

	overlap := DefaultLayout()
	overlap.Bank2.Base = overlap.Bank1.Base + 0x1000
	assert.Error(t, overlap.Validate())
}

func TestProgramWordAdvancesCursor(t *testing.T) {
	e, mem, l := newTestEngine(t)
	start := l.StagingBase()
	cursor := start
	for i := 0; i < 5; i++ {
		require.NoError(t, e.ProgramWord(start, &cursor, word(byte(i))))
	}
	assert.Equal(t, start+5*WordSize, cursor)
	assert.Equal(t, 5, mem.Programs)

	got := make([]byte, WordSize)
	require.NoError(t, e.Read(start+2*WordSize, got))
	assert.Equal(t, bytes.Repeat([]byte{2}, WordSize), got)

	assert.True(t, mem.Locked(Bank1))
	assert.True(t, mem.Locked(Bank2))
	assert.True(t, mem.IRQEnabled())
	assert.True(t, mem.IRQMaskedDuringProgram)
	assert.Equal(t, [3]bool{false, false, true}, mem.UnlockedDuringProgram)
}

func TestProgramWordRejectsCursorOutsideWindow(t *testing.T) {
	e, mem, l := newTestEngine(t)
	minAddr := l.StagingBase()
	tests := []struct {
		name   string
		cursor uint32
	}{
		{"below min", minAddr - WordSize},
		{"at bank end", l.Bank2.End()},
		{"past bank end", l.Bank2.End() + WordSize},
		{"other bank", l.AppBase()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor := tt.cursor
			err := e.ProgramWord(minAddr, &cursor, word(0))
			require.Error(t, err)
			assert.True(t, IsAddressError(err))
			assert.Equal(t, tt.cursor, cursor)
			assert.Equal(t, 0, mem.Programs)
		})
	}
}

func TestProgramWordRetries(t *testing.T) {
	e, mem, l := newTestEngine(t)
	start := l.StagingBase()

	mem.FailNextPrograms(DefaultRetries)
	cursor := start
	require.NoError(t, e.ProgramWord(start, &cursor, word(0xAB)))
	assert.Equal(t, start+WordSize, cursor)

	mem.FailNextPrograms(DefaultRetries + 1)
	err := e.ProgramWord(start, &cursor, word(0xCD))
	var pe *ProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, DefaultRetries+1, pe.Attempts)
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, start+WordSize, cursor)
	assert.True(t, mem.IRQEnabled())
	assert.True(t, mem.Locked(Bank2))
}

func TestProgramWordWaitsBetweenAttempts(t *testing.T) {
	layout := DefaultLayout()
	mem := NewMemory(layout)
	e := NewEngine(mem, layout, WithRetries(2))
	var waits []time.Duration
	e.sleep = func(d time.Duration) { waits = append(waits, d) }

	mem.FailNextPrograms(10)
	cursor := layout.StagingBase()
	err := e.ProgramWord(layout.StagingBase(), &cursor, word(1))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{DefaultRetryDelay, DefaultRetryDelay}, waits)
}

func TestProgramRequiresErasedWord(t *testing.T) {
	e, _, l := newTestEngine(t)
	cursor := l.StagingBase()
	require.NoError(t, e.ProgramWord(l.StagingBase(), &cursor, word(0)))
	cursor = l.StagingBase()
	err := e.ProgramWord(l.StagingBase(), &cursor, word(0))
	assert.ErrorIs(t, err, ErrNotErased)

	require.NoError(t, e.EraseSector(l.StagingSector, Bank2))
	require.NoError(t, e.ProgramWord(l.StagingBase(), &cursor, word(0)))
}

func TestEraseDiscipline(t *testing.T) {
	e, mem, l := newTestEngine(t)
	cursor := l.AppBase()
	require.NoError(t, e.ProgramWord(l.AppBase(), &cursor, word(0x11)))
	assert.True(t, e.IsPresent(l.AppBase()))

	require.NoError(t, e.EraseSector(l.AppSector, Bank1))
	assert.False(t, e.IsPresent(l.AppBase()))
	assert.Equal(t, 1, mem.Erases)
	assert.True(t, mem.Locked(Bank1))
	assert.True(t, mem.IRQEnabled())

	mem.FailErase(true)
	err := e.MassErase(Bank2)
	var ee *EraseError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, -1, ee.Sector)
	assert.True(t, mem.Locked(Bank2))
	assert.True(t, mem.IRQEnabled())

	err = e.EraseSector(0, Bank2)
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 0, ee.Sector)
	assert.Equal(t, 0, mem.MassErases)
}

func TestMemoryPersistence(t *testing.T) {
	e, mem, l := newTestEngine(t)
	cursor := l.StagingBase()
	require.NoError(t, e.ProgramWord(l.StagingBase(), &cursor, word(0x5A)))

	path := filepath.Join(t.TempDir(), "flash.bin")
	require.NoError(t, mem.Save(path))

	restored := NewMemory(l)
	require.NoError(t, restored.Load(path))
	got := make([]byte, WordSize)
	require.NoError(t, restored.Read(l.StagingBase(), got))
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, WordSize), got)

	fresh := NewMemory(l)
	require.NoError(t, fresh.Load(filepath.Join(t.TempDir(), "missing.bin")))
}
