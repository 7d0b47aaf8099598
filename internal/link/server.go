package link

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shaunagostinho/dualboot/internal/update"
)

// Commander executes update commands. *update.Handler and *device.Device
// satisfy it.
type Commander interface {
	Command(state int, data []byte) update.Result
}

// Serve answers command lines read from rw until ctx is cancelled or the
// stream ends. Lines that are not commands are answered with the format
// error code; blank lines are ignored.
func Serve(ctx context.Context, rw io.ReadWriter, cmd Commander, opts ...Option) error {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	lr := newLineReader(rw)
	cfg.Logger.Info("serving update channel")

	for {
		line, err := lr.next(ctx, time.Time{})
		switch {
		case errors.Is(err, ErrLineTooLong):
			cfg.Logger.Error("dropping oversized line")
			if err := respond(rw, update.ResultFormat); err != nil {
				return err
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			cfg.Logger.Info("update channel closed")
			return nil
		case err != nil:
			return err
		}
		if len(line) == 0 {
			continue
		}

		res := update.ResultFormat
		state, data, perr := ParseRequest(line)
		if perr != nil {
			cfg.Logger.Error("bad request", "line", line, "err", perr)
		} else {
			res = cmd.Command(state, data)
			cfg.Logger.Debug("command", "state", state, "result", res)
		}
		if err := respond(rw, res); err != nil {
			return err
		}
	}
}

func respond(w io.Writer, res update.Result) error {
	_, err := io.WriteString(w, FormatResponse(res))
	return err
}
