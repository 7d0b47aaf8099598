package util

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shaunagostinho/dualboot/internal/server"
	"github.com/shaunagostinho/dualboot/internal/update"
)

func Warn(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
}

func Fatal(f string, args ...any) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

// FatalErr prints an error description and exits the program if the
// err != nil.
func FatalErr(what string, err error) {
	if err == nil {
		return
	}
	s := err.Error() + "\n"
	if what != "" {
		s = what + ": " + s
	}
	os.Stderr.WriteString(s)
	os.Exit(1)
}

// OutFile returns outName or, if it is empty, inName with its extension
// replaced by outSuffix.
func OutFile(inName, outName, outSuffix string) string {
	if outName != "" {
		return outName
	}
	return strings.TrimSuffix(inName, filepath.Ext(inName)) + outSuffix
}

// ParamFlags are the stream format flags shared by the commands that
// encrypt or decrypt streams.
type ParamFlags struct {
	config *string
	key    *string
	id     *string
}

// AddParamFlags registers -config, -key and -id in fs.
func AddParamFlags(fs *flag.FlagSet) *ParamFlags {
	return &ParamFlags{
		config: fs.String("config", "", "device config file to take the key and ID code from"),
		key:    fs.String("key", "", "AES-256 key, 64 hex digits"),
		id:     fs.String("id", "", "stream ID code, 8 hex digits"),
	}
}

// Params returns the device's stream parameters with the -key and -id
// overrides applied.
func (pf *ParamFlags) Params() (update.Params, error) {
	p := update.DefaultParams()
	if *pf.config != "" {
		var err error
		if p, err = server.LoadConfig(*pf.config).Params(); err != nil {
			return p, err
		}
	}
	if *pf.key != "" {
		key, err := update.ParseKey(*pf.key)
		if err != nil {
			return p, err
		}
		p.Key = key
	}
	if *pf.id != "" {
		id, err := update.ParseIDCode(*pf.id)
		if err != nil {
			return p, err
		}
		p.IDCode = id
	}
	return p, p.Validate()
}
