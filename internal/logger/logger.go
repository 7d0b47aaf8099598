package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/dualboot/internal/device"
	"github.com/shaunagostinho/dualboot/internal/update"
)

// Logger records timestamped update commands and boot decisions to CSV files
// with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000
)

var csvHeader = []string{
	"timestamp", "event", "command", "result",
	"phase", "state", "destination", "file_index", "header_len",
	"checksum_errors", "transitional", "crc_image",
	"boot_action", "vtor", "pc", "error",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/dualboot"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one handled update command.
func (l *Logger) Record(rep update.Report) {
	row := make([]string, len(csvHeader))
	row[0] = rep.Time.Format(time.RFC3339Nano)
	row[1] = "command"
	row[2] = rep.Command
	row[3] = rep.Result.String()
	fillStatus(row, rep.Status)
	if rep.Err != nil {
		row[15] = rep.Err.Error()
	}
	l.write(row)
}

// RecordBoot writes one boot decision.
func (l *Logger) RecordBoot(st device.Status) {
	row := make([]string, len(csvHeader))
	row[0] = time.UnixMilli(st.Stamp).Format(time.RFC3339Nano)
	row[1] = "boot"
	if st.Boot != nil {
		row[12] = st.Boot.Action.String()
		row[13] = fmt.Sprintf("0x%08X", st.Boot.Base)
		row[14] = fmt.Sprintf("0x%08X", st.Boot.PC)
	}
	row[15] = st.BootError
	l.write(row)
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) write(row []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(l.now()); err != nil {
			log.Printf("[audit] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(row); err != nil {
		log.Printf("[audit] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.seq++
	filename := fmt.Sprintf("update_%s_%03d.csv", now.Format("2006-01-02_150405"), l.seq)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[audit] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func fillStatus(row []string, st update.Status) {
	row[4] = st.Phase
	row[5] = st.State.String()
	row[6] = fmt.Sprintf("0x%08X", st.Destination)
	row[7] = fmt.Sprintf("%d", st.FileIndex)
	row[8] = fmt.Sprintf("%d", st.HeaderLen)
	row[9] = fmt.Sprintf("%d", st.ChecksumErrors)
	row[10] = boolStr(st.Transitional)
	row[11] = fmt.Sprintf("0x%08X", st.CRCImage)
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
