package ports

import (
	"flag"
	"fmt"
	"os"

	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/util"
	"github.com/shaunagostinho/dualboot/internal/link"
)

const Descr = "list the serial ports present on this host"

func Main(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n  %s\n", cmd)
	}
	fs.Parse(args)
	if fs.NArg() != 0 {
		fs.Usage()
		os.Exit(1)
	}
	ports, err := link.ListPorts()
	util.FatalErr("ports", err)
	if len(ports) == 0 {
		util.Warn("no serial ports found")
		return
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}
