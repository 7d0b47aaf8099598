package link

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/dualboot/internal/update"
)

// ResultError is returned when the device rejects a command.
type ResultError struct {
	State  int
	Line   int
	Result update.Result
}

func (e *ResultError) Error() string {
	if e.State == update.CommandData {
		return fmt.Sprintf("link: line %d rejected: %s", e.Line, e.Result)
	}
	return fmt.Sprintf("link: command %d rejected: %s", e.State, e.Result)
}

// Client sends update commands and waits for their responses.
//
// Client is safe for concurrent use; commands are serialized.
type Client struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	lr  *lineReader
	cfg Config
}

// NewClient wraps rw.
func NewClient(rw io.ReadWriter, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{rw: rw, lr: newLineReader(rw), cfg: cfg}
}

// Send issues one command and returns the device's result code. Lines
// other than responses are logged and skipped.
func (c *Client) Send(ctx context.Context, state int, data string) (update.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.rw, FormatRequest(state, data)); err != nil {
		return 0, fmt.Errorf("link: write: %w", err)
	}
	var deadline time.Time
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	for {
		line, err := c.lr.next(ctx, deadline)
		if err != nil {
			return 0, fmt.Errorf("link: read response: %w", err)
		}
		if !strings.HasPrefix(line, ResponseName) {
			c.cfg.Logger.Debug("skipping", "line", line)
			continue
		}
		return ParseResponse(line)
	}
}

// Upload runs a complete session: start, every record line, close. Lines
// answered with a checksum error are resent up to the configured number of
// retries; any other error aborts the upload.
func (c *Client) Upload(ctx context.Context, lines []string) error {
	start := time.Now()
	total := len(lines)
	resends := 0
	report := func(phase string, line int) {
		if c.cfg.ProgressCallback == nil {
			return
		}
		pct := 100.0
		if total > 0 {
			pct = float64(line) * 100 / float64(total)
		}
		c.cfg.ProgressCallback(Progress{
			Phase:      phase,
			Line:       line,
			TotalLines: total,
			Percentage: pct,
			Resends:    resends,
			Elapsed:    time.Since(start),
		})
	}

	c.cfg.Logger.Info("starting upload", "lines", total)
	report("starting", 0)
	if err := c.expectOK(ctx, update.CommandStart, "", 0); err != nil {
		return err
	}

	for i, line := range lines {
		attempt := 0
		for {
			res, err := c.Send(ctx, update.CommandData, line)
			if err != nil {
				return err
			}
			if res == update.ResultOK {
				break
			}
			if res == update.ResultChecksum && attempt < c.cfg.Retries {
				attempt++
				resends++
				c.cfg.Logger.Debug("resending", "line", i+1, "attempt", attempt)
				continue
			}
			c.cfg.Logger.Error("line rejected", "line", i+1, "result", res)
			return &ResultError{State: update.CommandData, Line: i + 1, Result: res}
		}
		report("sending", i+1)
	}

	report("closing", total)
	if err := c.expectOK(ctx, update.CommandClose, "", total); err != nil {
		return err
	}
	report("complete", total)
	c.cfg.Logger.Info("upload complete", "lines", total, "resends", resends, "elapsed", time.Since(start))
	return nil
}

func (c *Client) expectOK(ctx context.Context, state int, data string, line int) error {
	res, err := c.Send(ctx, state, data)
	if err != nil {
		return err
	}
	if res != update.ResultOK {
		c.cfg.Logger.Error("command rejected", "state", state, "result", res)
		return &ResultError{State: state, Line: line, Result: res}
	}
	return nil
}
