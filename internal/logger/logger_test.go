package logger

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dualboot/internal/boot"
	"github.com/shaunagostinho/dualboot/internal/device"
	"github.com/shaunagostinho/dualboot/internal/update"
)

func readLogs(t *testing.T, dir string) [][][]string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "update_*.csv"))
	require.NoError(t, err)
	sort.Strings(paths)
	var files [][][]string
	for _, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		rows, err := csv.NewReader(f).ReadAll()
		f.Close()
		require.NoError(t, err)
		files = append(files, rows)
	}
	return files
}

func report(cmd string, res update.Result, err error) update.Report {
	return update.Report{
		Time:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Command: cmd,
		Result:  res,
		Status: update.Status{
			Phase:       update.PhaseReceiving,
			State:       update.StateProgramming,
			Destination: 0x08100040,
			FileIndex:   512,
			HeaderLen:   180,
		},
		Err: err,
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.Record(report("start", update.ResultOK, nil))
	l.Close()
	assert.Empty(t, readLogs(t, dir))
	assert.False(t, l.IsEnabled())
}

func TestRecordsCommandsAndBoots(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.Record(report("data", update.ResultChecksum, errors.New("bad line")))
	l.RecordBoot(device.Status{
		Boot:  &boot.Outcome{Action: boot.BootAfterCopy, Base: 0x08020000, PC: 0x08020199},
		Stamp: 1,
	})
	l.Close()

	files := readLogs(t, dir)
	require.Len(t, files, 1)
	rows := files[0]
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])

	cmd := rows[1]
	assert.Equal(t, "command", cmd[1])
	assert.Equal(t, "data", cmd[2])
	assert.Equal(t, "checksum", cmd[3])
	assert.Equal(t, "receiving", cmd[4])
	assert.Equal(t, "PROGRAMMING", cmd[5])
	assert.Equal(t, "0x08100040", cmd[6])
	assert.Equal(t, "512", cmd[7])
	assert.Equal(t, "bad line", cmd[15])

	b := rows[2]
	assert.Equal(t, "boot", b[1])
	assert.Equal(t, "boot-after-copy", b[12])
	assert.Equal(t, "0x08020199", b[14])
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	for i := 0; i < 5; i++ {
		l.Record(report("data", update.ResultOK, nil))
	}
	l.Close()

	files := readLogs(t, dir)
	require.Len(t, files, 3)
	assert.Len(t, files[0], 3)
	assert.Len(t, files[1], 3)
	assert.Len(t, files[2], 2)
}

func TestSetEnabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.SetEnabled(true)
	assert.True(t, l.IsEnabled())
	l.Record(report("start", update.ResultOK, nil))
	l.SetEnabled(false)
	l.Record(report("close", update.ResultOK, nil))
	l.Close()

	files := readLogs(t, dir)
	require.Len(t, files, 1)
	assert.Len(t, files[0], 2)
}
