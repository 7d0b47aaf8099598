// Package link carries update commands over a byte stream, usually a serial
// port. Every command is one text line:
//
//	fw_update state=<n> data=<record>
//
// and is answered with
//
//	fw_update_response err=<n>
//
// where n is one of the update.Result codes. Serve runs the device side;
// Client uploads a hex file from the host.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/dualboot/internal/update"
)

const (
	RequestName  = "fw_update"
	ResponseName = "fw_update_response"

	// MaxLineLen bounds a single protocol line.
	MaxLineLen = 1024
)

var (
	ErrMalformed   = errors.New("link: malformed line")
	ErrLineTooLong = errors.New("link: line too long")
	ErrTimeout     = errors.New("link: no response")
)

// FormatRequest renders a command line, newline included.
func FormatRequest(state int, data string) string {
	return fmt.Sprintf("%s state=%d data=%s\n", RequestName, state, data)
}

// ParseRequest splits a command line into its state and data fields.
func ParseRequest(line string) (int, []byte, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != RequestName {
		return 0, nil, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	state := -1
	var data []byte
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: field %q", ErrMalformed, f)
		}
		switch k {
		case "state":
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: state %q", ErrMalformed, v)
			}
			state = n
		case "data":
			data = []byte(v)
		}
	}
	if state < 0 {
		return 0, nil, fmt.Errorf("%w: missing state", ErrMalformed)
	}
	return state, data, nil
}

// FormatResponse renders a response line, newline included.
func FormatResponse(res update.Result) string {
	return fmt.Sprintf("%s err=%d\n", ResponseName, res)
}

// ParseResponse extracts the result code of a response line.
func ParseResponse(line string) (update.Result, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != ResponseName {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	v, ok := strings.CutPrefix(fields[1], "err=")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: err %q", ErrMalformed, v)
	}
	return update.Result(n), nil
}

// Logger is an optional logging interface, so callers can plug in any
// logging framework.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// StdLogger writes through the standard log package. Debug output is
// dropped unless Verbose is set.
type StdLogger struct {
	Verbose bool
}

func (l *StdLogger) Debug(msg string, kv ...interface{}) {
	if l.Verbose {
		log.Println(append([]interface{}{"[link]", msg}, kv...)...)
	}
}

func (l *StdLogger) Info(msg string, kv ...interface{}) {
	log.Println(append([]interface{}{"[link]", msg}, kv...)...)
}

func (l *StdLogger) Error(msg string, kv ...interface{}) {
	log.Println(append([]interface{}{"[link] error:", msg}, kv...)...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Progress reports upload progress.
type Progress struct {
	// Phase is "starting", "sending", "closing" or "complete".
	Phase      string
	Line       int
	TotalLines int
	Percentage float64
	Resends    int
	Elapsed    time.Duration
}

// ProgressCallback is called after every acknowledged line. It should return
// quickly.
type ProgressCallback func(Progress)

// Config holds link options for both sides.
type Config struct {
	Logger           Logger
	ProgressCallback ProgressCallback
	// Retries is how often a line answered with a checksum error is resent.
	Retries int
	// Timeout bounds the wait for a response when the port reports read
	// timeouts. Zero waits forever.
	Timeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Logger:  nopLogger{},
		Retries: 3,
		Timeout: 5 * time.Second,
	}
}

// Option configures Serve or a Client.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithProgressCallback sets the upload progress callback.
func WithProgressCallback(fn ProgressCallback) Option {
	return func(c *Config) { c.ProgressCallback = fn }
}

// WithRetries sets how often a line is resent after a checksum error.
func WithRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.Retries = n
		}
	}
}

// WithTimeout sets the response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.Timeout = d
		}
	}
}

// lineReader splits a stream into lines. Zero-byte reads, which serial ports
// return on read timeout, are retried until the context ends or the
// deadline passes.
type lineReader struct {
	r       io.Reader
	buf     []byte
	pending []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r, buf: make([]byte, 256)}
}

func (lr *lineReader) next(ctx context.Context, deadline time.Time) (string, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(lr.pending[:i], "\r"))
			lr.pending = lr.pending[i+1:]
			return line, nil
		}
		if len(lr.pending) > MaxLineLen {
			lr.pending = lr.pending[:0]
			return "", ErrLineTooLong
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", ErrTimeout
		}
		n, err := lr.r.Read(lr.buf)
		lr.pending = append(lr.pending, lr.buf[:n]...)
		if err != nil {
			if n > 0 && bytes.IndexByte(lr.pending, '\n') >= 0 {
				continue
			}
			return "", err
		}
	}
}
