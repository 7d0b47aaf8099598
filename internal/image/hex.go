package image

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/shaunagostinho/dualboot/internal/hexline"
)

const (
	// TransitionalBase places a transitional stream so that its first
	// extended linear address record carries the 0x1234 marker.
	TransitionalBase = 0x12340000

	recordLen = 16
)

// WriteHex writes stream as Intel HEX with 16-byte data records.
func WriteHex(w io.Writer, stream []byte, transitional bool) error {
	var base uint32
	if transitional {
		base = TransitionalBase
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(base, stream); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	return mem.DumpIntelHex(w, recordLen)
}

// ReadHexLines returns the record lines of a hex file in order, each
// checked with the same decoder the device uses. Blank lines are skipped.
func ReadHexLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			return nil, fmt.Errorf("image: line %d: missing ':'", n)
		}
		if _, err := hexline.Decode([]byte(line)); err != nil {
			return nil, fmt.Errorf("image: line %d: %w", n, err)
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// ReadStream parses a hex file written by WriteHex back into the stream and
// reports whether it was placed as a transitional stream.
func ReadStream(r io.Reader) ([]byte, bool, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, false, fmt.Errorf("image: %w", err)
	}
	segs := mem.GetDataSegments()
	if len(segs) != 1 {
		return nil, false, fmt.Errorf("image: expected one contiguous segment, found %d", len(segs))
	}
	seg := segs[0]
	switch seg.Address {
	case 0:
		return seg.Data, false, nil
	case TransitionalBase:
		return seg.Data, true, nil
	}
	return nil, false, fmt.Errorf("image: stream at unexpected address 0x%08X", seg.Address)
}
