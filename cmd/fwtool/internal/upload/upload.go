package upload

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/util"
	"github.com/shaunagostinho/dualboot/internal/image"
	"github.com/shaunagostinho/dualboot/internal/link"
)

const Descr = "send an update stream in Intel HEX form over a serial port"

func Main(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [OPTIONS] HEX\nOptions:\n", cmd)
		fs.PrintDefaults()
	}
	port := fs.String("port", "/dev/ttyACM0", "serial port of the device")
	baud := fs.Int("baud", 250000, "baud rate")
	retries := fs.Int("retries", 3, "resends of a line answered with a checksum error")
	timeout := fs.Duration("timeout", 5*time.Second, "time to wait for each response")
	verbose := fs.Bool("v", false, "log every line")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	data, err := os.ReadFile(fs.Arg(0))
	util.FatalErr("", err)
	lines, err := image.ReadHexLines(bytes.NewReader(data))
	util.FatalErr("readhex", err)
	util.Warn("%s: %d records, crc32 %08x", fs.Arg(0), len(lines), crc32.ChecksumIEEE(data))

	p, err := link.OpenSerial(*port, *baud)
	util.FatalErr("", err)
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	last := -1
	client := link.NewClient(p,
		link.WithLogger(&link.StdLogger{Verbose: *verbose}),
		link.WithRetries(*retries),
		link.WithTimeout(*timeout),
		link.WithProgressCallback(func(pr link.Progress) {
			pct := int(pr.Percentage)
			if pct == last && pr.Phase == "sending" {
				return
			}
			last = pct
			fmt.Fprintf(os.Stderr, "\r%-8s %3d%%  %d/%d lines  %d resends  %v",
				pr.Phase, pct, pr.Line, pr.TotalLines, pr.Resends, pr.Elapsed.Round(time.Millisecond))
		}),
	)
	err = client.Upload(ctx, lines)
	fmt.Fprintln(os.Stderr)
	var re *link.ResultError
	if errors.As(err, &re) {
		util.Fatal("device rejected line %d: %s", re.Line, re.Result)
	}
	util.FatalErr("upload", err)
	util.Warn("upload complete, the device resets into the new image")
}
