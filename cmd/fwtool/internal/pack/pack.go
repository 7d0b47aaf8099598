package pack

import (
	"flag"
	"fmt"
	"os"

	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/util"
	"github.com/shaunagostinho/dualboot/internal/image"
)

const Descr = "encrypt an application image into an update stream"

func Main(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(
			os.Stderr,
			"Usage:\n  %s [OPTIONS] BIN [OUT]\nOptions:\n",
			cmd,
		)
		fs.PrintDefaults()
	}
	pf := util.AddParamFlags(fs)
	blocks := fs.Int("blocks", 0, "number of random header blocks, 4 to 7 (random if 0)")
	transitional := fs.Bool("transitional", false, "build a transitional stream with a CRC-only prefix")
	prefix := fs.String("prefix", "", "file holding the transitional prefix (random if empty)")
	raw := fs.Bool("bin", false, "write the raw stream instead of Intel HEX")
	fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(1)
	}

	p, err := pf.Params()
	util.FatalErr("params", err)
	img, err := os.ReadFile(fs.Arg(0))
	util.FatalErr("", err)

	var opts []image.Option
	if *blocks != 0 {
		opts = append(opts, image.WithRandomBlocks(*blocks))
	}
	if *transitional {
		var pre []byte
		if *prefix != "" {
			pre, err = os.ReadFile(*prefix)
			util.FatalErr("", err)
		}
		opts = append(opts, image.WithTransitional(pre))
	} else if *prefix != "" {
		util.Fatal("-prefix requires -transitional")
	}
	stream, err := image.Pack(img, p, opts...)
	util.FatalErr("pack", err)

	suffix := ".hex"
	if *raw {
		suffix = ".fw"
	}
	out := util.OutFile(fs.Arg(0), fs.Arg(1), suffix)
	of, err := os.Create(out)
	util.FatalErr("", err)
	defer of.Close()
	if *raw {
		_, err = of.Write(stream)
	} else {
		err = image.WriteHex(of, stream, *transitional)
	}
	util.FatalErr("write", err)
	util.Warn("%s: %d byte image, %d byte stream", out, len(img), len(stream))
}
