package inspect

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/util"
	"github.com/shaunagostinho/dualboot/internal/image"
)

const Descr = "decrypt and check the header and CRC of an update stream"

func Main(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [OPTIONS] STREAM\nOptions:\n", cmd)
		fs.PrintDefaults()
	}
	pf := util.AddParamFlags(fs)
	transitional := fs.Bool("transitional", false, "treat a raw stream as transitional")
	asJSON := fs.Bool("json", false, "print the header as JSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	p, err := pf.Params()
	util.FatalErr("params", err)
	data, err := os.ReadFile(fs.Arg(0))
	util.FatalErr("", err)

	// Hex files carry the transitional marker themselves.
	stream, trans := data, *transitional
	if strings.EqualFold(filepath.Ext(fs.Arg(0)), ".hex") {
		stream, trans, err = image.ReadStream(bytes.NewReader(data))
		util.FatalErr("readhex", err)
	}

	h, err := image.Inspect(stream, p, trans)
	util.FatalErr("inspect", err)

	if *asJSON {
		out, err := json.MarshalIndent(h, "", "  ")
		util.FatalErr("", err)
		fmt.Println(string(out))
	} else {
		fmt.Printf("id code        %X\n", h.IDCode)
		fmt.Printf("random fields  %d + %d bytes\n", h.Rnd1Len, h.Rnd2Len)
		fmt.Printf("iv             %X\n", h.IV)
		fmt.Printf("random blocks  %d\n", h.RandomBlocks)
		fmt.Printf("header         %d bytes\n", h.HeaderLen)
		fmt.Printf("body           %d bytes\n", h.BodyLen)
		fmt.Printf("transitional   %t\n", h.Transitional)
		fmt.Printf("image          %d bytes\n", h.ImageLen)
		fmt.Printf("first word     0x%08X\n", h.FirstWord)
		fmt.Printf("crc            stored 0x%08X computed 0x%08X\n", h.CRCStored, h.CRCComputed)
	}
	if h.FirstWord != p.FirstWord {
		util.Warn("first word 0x%08X, device expects 0x%08X", h.FirstWord, p.FirstWord)
	}
	if !h.Valid() {
		util.Fatal("crc mismatch")
	}
}
