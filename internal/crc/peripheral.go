package crc

import "sync"

var (
	tableOnce sync.Once
	table     [256]uint32
)

func buildTable() {
	for i := range table {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ Polynomial
			} else {
				c <<= 1
			}
		}
		table[i] = c
	}
}

// Peripheral is a software model of the CRC unit in its default
// configuration: polynomial 0x04C11DB7, seed 0xFFFFFFFF, 32-bit input words
// processed MSB first, no input or output inversion.
type Peripheral struct {
	reg uint32
}

// NewPeripheral returns a Peripheral loaded with the seed.
func NewPeripheral() *Peripheral {
	tableOnce.Do(buildTable)
	return &Peripheral{reg: Seed}
}

func (p *Peripheral) Reset() { p.reg = Seed }

func (p *Peripheral) Value() uint32 { return p.reg }

func (p *Peripheral) Accumulate(word uint32) uint32 {
	c := p.reg
	for shift := 24; shift >= 0; shift -= 8 {
		c = c<<8 ^ table[byte(c>>24)^byte(word>>uint(shift))]
	}
	p.reg = c
	return c
}
