package flash

import (
	"fmt"
)

const (
	// WordSize is the programming granularity: one flash word of 256 bits.
	WordSize = 32
	// ErasedWord is the value of a 32-bit word read from erased flash.
	ErasedWord = 0xFFFFFFFF
)

// BankID identifies one of the two flash banks.
type BankID int

const (
	Bank1 BankID = 1 // trusted boot bank
	Bank2 BankID = 2 // staging bank for incoming updates
)

func (b BankID) String() string {
	switch b {
	case Bank1:
		return "bank1"
	case Bank2:
		return "bank2"
	}
	return fmt.Sprintf("bank(%d)", int(b))
}

// Other returns the opposite bank.
func (b BankID) Other() BankID {
	if b == Bank1 {
		return Bank2
	}
	return Bank1
}

// Bank describes one independently erasable flash region.
type Bank struct {
	ID         BankID `yaml:"-" json:"-"`
	Base       uint32 `yaml:"base" json:"base"`
	SectorSize uint32 `yaml:"sector_size" json:"sectorSize"`
	Sectors    int    `yaml:"sectors" json:"sectors"`
}

// Size returns the bank size in bytes.
func (b Bank) Size() uint32 { return b.SectorSize * uint32(b.Sectors) }

// End returns the first address past the bank.
func (b Bank) End() uint32 { return b.Base + b.Size() }

// Contains reports whether addr falls inside the bank.
func (b Bank) Contains(addr uint32) bool { return addr >= b.Base && addr < b.End() }

// Layout is the static bank/sector map plus the placement of the
// application and staging images.
type Layout struct {
	Bank1 Bank `yaml:"bank1" json:"bank1"`
	Bank2 Bank `yaml:"bank2" json:"bank2"`

	// AppSector is the first bank 1 sector of the bootable application.
	// Sectors below it hold the bootloader.
	AppSector int `yaml:"app_sector" json:"appSector"`
	// StagingSector is the first bank 2 sector receiving updates.
	StagingSector int `yaml:"staging_sector" json:"stagingSector"`
	// ImageSectors bounds the size of an image, in sectors.
	ImageSectors int `yaml:"image_sectors" json:"imageSectors"`
}

// DefaultLayout mirrors a 2 MiB dual-bank part: two banks of eight 128 KiB
// sectors, bootloader in bank 1 sector 0, application from sector 1, staging
// from bank 2 sector 0, images up to six sectors.
func DefaultLayout() Layout {
	return Layout{
		Bank1:         Bank{ID: Bank1, Base: 0x08000000, SectorSize: 128 * 1024, Sectors: 8},
		Bank2:         Bank{ID: Bank2, Base: 0x08100000, SectorSize: 128 * 1024, Sectors: 8},
		AppSector:     1,
		StagingSector: 0,
		ImageSectors:  6,
	}
}

// Validate checks the layout for overlaps and out-of-range sector numbers.
func (l *Layout) Validate() error {
	l.Bank1.ID = Bank1
	l.Bank2.ID = Bank2
	for _, b := range []Bank{l.Bank1, l.Bank2} {
		if b.Sectors <= 0 || b.SectorSize == 0 {
			return fmt.Errorf("flash: %s has no sectors", b.ID)
		}
		if b.SectorSize%WordSize != 0 || b.Base%WordSize != 0 {
			return fmt.Errorf("flash: %s is not word aligned", b.ID)
		}
	}
	if l.Bank1.End() > l.Bank2.Base && l.Bank2.End() > l.Bank1.Base {
		return fmt.Errorf("flash: banks overlap")
	}
	if l.ImageSectors <= 0 {
		return fmt.Errorf("flash: image_sectors must be positive")
	}
	if l.AppSector < 0 || l.AppSector+l.ImageSectors > l.Bank1.Sectors {
		return fmt.Errorf("flash: application span sectors %d..%d exceeds bank1",
			l.AppSector, l.AppSector+l.ImageSectors-1)
	}
	if l.StagingSector < 0 || l.StagingSector+l.ImageSectors > l.Bank2.Sectors {
		return fmt.Errorf("flash: staging span sectors %d..%d exceeds bank2",
			l.StagingSector, l.StagingSector+l.ImageSectors-1)
	}
	if l.Bank1.SectorSize != l.Bank2.SectorSize {
		return fmt.Errorf("flash: banks must share a sector size")
	}
	return nil
}

// Bank returns the descriptor for id.
func (l Layout) Bank(id BankID) Bank {
	if id == Bank2 {
		b := l.Bank2
		b.ID = Bank2
		return b
	}
	b := l.Bank1
	b.ID = Bank1
	return b
}

// BankOf returns the bank containing addr.
func (l Layout) BankOf(addr uint32) (Bank, bool) {
	for _, id := range []BankID{Bank1, Bank2} {
		if b := l.Bank(id); b.Contains(addr) {
			return b, true
		}
	}
	return Bank{}, false
}

// SectorOf returns the bank and sector index containing addr.
func (l Layout) SectorOf(addr uint32) (BankID, int, bool) {
	b, ok := l.BankOf(addr)
	if !ok {
		return 0, 0, false
	}
	return b.ID, int((addr - b.Base) / b.SectorSize), true
}

// SectorAddr returns the base address of a sector.
func (l Layout) SectorAddr(id BankID, sector int) uint32 {
	b := l.Bank(id)
	return b.Base + uint32(sector)*b.SectorSize
}

// AppBase is where the bootable application starts.
func (l Layout) AppBase() uint32 { return l.SectorAddr(Bank1, l.AppSector) }

// StagingBase is where an incoming update is written.
func (l Layout) StagingBase() uint32 { return l.SectorAddr(Bank2, l.StagingSector) }

// ImageSize is the largest image the layout allows.
func (l Layout) ImageSize() uint32 { return uint32(l.ImageSectors) * l.Bank2.SectorSize }

// StagingLimit is the first address an update may not write to.
func (l Layout) StagingLimit() uint32 { return l.StagingBase() + l.ImageSize() }
