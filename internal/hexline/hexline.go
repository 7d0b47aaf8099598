// Package hexline decodes single Intel HEX style record lines as they arrive
// on the update channel.
package hexline

import (
	"errors"
	"fmt"
	"strings"
)

// RecordType is the record type byte of a line.
type RecordType byte

const (
	Data         RecordType = 0
	EOF          RecordType = 1
	ExtSegment   RecordType = 2
	StartSegment RecordType = 3
	ExtLinear    RecordType = 4
	StartLinear  RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case Data:
		return "data"
	case EOF:
		return "eof"
	case ExtSegment:
		return "ext-segment"
	case StartSegment:
		return "start-segment"
	case ExtLinear:
		return "ext-linear"
	case StartLinear:
		return "start-linear"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

var (
	// ErrInvalidDigit is returned for a character that is not a hex digit.
	ErrInvalidDigit = errors.New("hexline: invalid hex digit")
	// ErrChecksum is returned when the byte sum of the line is not zero.
	ErrChecksum = errors.New("hexline: checksum mismatch")
	// ErrFormat is returned when the line length is inconsistent.
	ErrFormat = errors.New("hexline: malformed record")
)

// headerLen is count, address (2) and type.
const headerLen = 4

// transitionalMarker is the reserved type 4 payload.
var transitionalMarker = [2]byte{0x12, 0x34}

var nibbles [256]int8

func init() {
	for i := range nibbles {
		nibbles[i] = -1
	}
	for c := '0'; c <= '9'; c++ {
		nibbles[c] = int8(c - '0')
	}
	for c := 'a'; c <= 'f'; c++ {
		nibbles[c] = int8(c - 'a' + 10)
		nibbles[c-'a'+'A'] = int8(c - 'a' + 10)
	}
}

// Record is one decoded line.
type Record struct {
	Count   byte
	Address uint16
	Type    RecordType
	Data    []byte
}

// IsTransitionalMarker reports whether r flags the transitional image
// variant: a type 4 record carrying 0x12 0x34.
func (r *Record) IsTransitionalMarker() bool {
	return r.Type == ExtLinear && len(r.Data) == 2 &&
		r.Data[0] == transitionalMarker[0] && r.Data[1] == transitionalMarker[1]
}

// Decode parses one line. A leading ':' and trailing CR/LF are tolerated.
// The line is accepted only if the sum of every decoded byte, the checksum
// byte included, is zero modulo 256.
func Decode(line []byte) (*Record, error) {
	if len(line) > 0 && line[0] == ':' {
		line = line[1:]
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrFormat, len(line))
	}
	if len(line) < 2*(headerLen+1) {
		return nil, fmt.Errorf("%w: %d digits is too short", ErrFormat, len(line))
	}

	raw := make([]byte, len(line)/2)
	var sum byte
	for i := range raw {
		hi, lo := nibbles[line[2*i]], nibbles[line[2*i+1]]
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("%w at offset %d", ErrInvalidDigit, 2*i)
		}
		raw[i] = byte(hi)<<4 | byte(lo)
		sum += raw[i]
	}

	if sum != 0 {
		return nil, fmt.Errorf("%w: sum 0x%02X", ErrChecksum, sum)
	}
	count := raw[0]
	if int(count)+headerLen+1 != len(raw) {
		return nil, fmt.Errorf("%w: byte count %d, line carries %d", ErrFormat, count, len(raw)-headerLen-1)
	}
	return &Record{
		Count:   count,
		Address: uint16(raw[1])<<8 | uint16(raw[2]),
		Type:    RecordType(raw[3]),
		Data:    raw[headerLen : headerLen+int(count)],
	}, nil
}

// Encode renders r as a ':'-prefixed line with upper-case digits and a
// correct checksum. Count is taken from len(r.Data).
func Encode(r Record) string {
	raw := make([]byte, 0, headerLen+len(r.Data)+1)
	raw = append(raw, byte(len(r.Data)), byte(r.Address>>8), byte(r.Address), byte(r.Type))
	raw = append(raw, r.Data...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, -sum)

	var sb strings.Builder
	sb.Grow(1 + 2*len(raw))
	sb.WriteByte(':')
	for _, b := range raw {
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
