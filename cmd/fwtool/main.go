// Fwtool is the host side of the update pipeline: it packs application
// images into encrypted streams, inspects them and uploads them to a device.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/inspect"
	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/pack"
	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/ports"
	"github.com/shaunagostinho/dualboot/cmd/fwtool/internal/upload"
)

type tool struct {
	descr string
	main  func(cmd string, args []string)
}

var tools = map[string]tool{
	"inspect": {inspect.Descr, inspect.Main},
	"pack":    {pack.Descr, pack.Main},
	"ports":   {ports.Descr, ports.Main},
	"upload":  {upload.Descr, upload.Main},
}

func printToolList() {
	names := make([]string, 0, len(tools))
	maxLen := 0
	for k := range tools {
		names = append(names, k)
		if maxLen < len(k) {
			maxLen = len(k)
		}
	}
	sort.Strings(names)
	uw := os.Stderr
	uw.WriteString("Usage:\n  fwtool COMMAND [ARGUMENTS]\n\n")
	uw.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(uw, "  %*s  %s\n", maxLen, name, tools[name].descr)
	}
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" {
		printToolList()
		return
	}
	tool, ok := tools[os.Args[1]]
	if !ok {
		printToolList()
		os.Exit(1)
	}
	tool.main(os.Args[1], os.Args[2:])
}
