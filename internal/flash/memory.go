package flash

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// Controller is the register-level interface to the flash peripheral and
// the interrupt mask. Engine builds the erase/program discipline on top of it.
type Controller interface {
	DisableIRQ()
	EnableIRQ()
	Unlock(bank BankID)
	Lock(bank BankID)
	EraseSector(bank BankID, sector int) error
	MassErase(bank BankID) error
	ProgramWord(addr uint32, word *[WordSize]byte) error
	Read(addr uint32, p []byte) error
}

var (
	ErrLocked     = errors.New("flash: bank is locked")
	ErrNotErased  = errors.New("flash: destination word is not erased")
	ErrMisaligned = errors.New("flash: address is not word aligned")
	ErrOutOfRange = errors.New("flash: address outside flash")
	ErrInjected   = errors.New("flash: injected fault")
)

// Memory is an in-RAM flash controller with the same rules as the part:
// programming needs an unlocked bank and an erased destination word, erase
// sets bytes to 0xFF. It can inject program and erase faults and persist
// its contents to a file.
type Memory struct {
	mu       sync.Mutex
	layout   Layout
	banks    map[BankID][]byte
	unlocked map[BankID]bool
	irqDepth int

	failPrograms int
	failErase    bool

	// Counters for inspection.
	Programs   int
	Erases     int
	MassErases int
	// UnlockedDuringProgram records, for the last ProgramWord call, which
	// banks were unlocked.
	UnlockedDuringProgram [3]bool
	// IRQMaskedDuringProgram reports whether interrupts were masked during
	// the last ProgramWord call.
	IRQMaskedDuringProgram bool
}

// NewMemory returns a fully erased, locked flash of the given layout.
func NewMemory(layout Layout) *Memory {
	m := &Memory{
		layout:   layout,
		banks:    make(map[BankID][]byte),
		unlocked: make(map[BankID]bool),
	}
	for _, id := range []BankID{Bank1, Bank2} {
		b := make([]byte, layout.Bank(id).Size())
		for i := range b {
			b[i] = 0xFF
		}
		m.banks[id] = b
	}
	return m
}

// FailNextPrograms makes the next n ProgramWord calls fail.
func (m *Memory) FailNextPrograms(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPrograms = n
}

// FailErase makes erase operations fail while set.
func (m *Memory) FailErase(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErase = on
}

// IRQEnabled reports whether interrupts are currently unmasked.
func (m *Memory) IRQEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irqDepth == 0
}

// Locked reports whether bank is locked.
func (m *Memory) Locked(bank BankID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unlocked[bank]
}

func (m *Memory) DisableIRQ() {
	m.mu.Lock()
	m.irqDepth++
	m.mu.Unlock()
}

func (m *Memory) EnableIRQ() {
	m.mu.Lock()
	if m.irqDepth > 0 {
		m.irqDepth--
	}
	m.mu.Unlock()
}

func (m *Memory) Unlock(bank BankID) {
	m.mu.Lock()
	m.unlocked[bank] = true
	m.mu.Unlock()
}

func (m *Memory) Lock(bank BankID) {
	m.mu.Lock()
	m.unlocked[bank] = false
	m.mu.Unlock()
}

func (m *Memory) EraseSector(bank BankID, sector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked[bank] {
		return ErrLocked
	}
	if m.failErase {
		return ErrInjected
	}
	b := m.layout.Bank(bank)
	if sector < 0 || sector >= b.Sectors {
		return fmt.Errorf("%w: sector %d of %s", ErrOutOfRange, sector, bank)
	}
	data := m.banks[bank]
	start := uint32(sector) * b.SectorSize
	for i := start; i < start+b.SectorSize; i++ {
		data[i] = 0xFF
	}
	m.Erases++
	return nil
}

func (m *Memory) MassErase(bank BankID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked[bank] {
		return ErrLocked
	}
	if m.failErase {
		return ErrInjected
	}
	data := m.banks[bank]
	for i := range data {
		data[i] = 0xFF
	}
	m.MassErases++
	return nil
}

func (m *Memory) ProgramWord(addr uint32, word *[WordSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnlockedDuringProgram = [3]bool{false, m.unlocked[Bank1], m.unlocked[Bank2]}
	m.IRQMaskedDuringProgram = m.irqDepth > 0
	if addr%WordSize != 0 {
		return ErrMisaligned
	}
	b, ok := m.layout.BankOf(addr)
	if !ok {
		return ErrOutOfRange
	}
	if !m.unlocked[b.ID] {
		return ErrLocked
	}
	if m.failPrograms > 0 {
		m.failPrograms--
		return ErrInjected
	}
	dst := m.banks[b.ID][addr-b.Base : addr-b.Base+WordSize]
	for _, c := range dst {
		if c != 0xFF {
			return fmt.Errorf("%w at 0x%08X", ErrNotErased, addr)
		}
	}
	copy(dst, word[:])
	m.Programs++
	return nil
}

func (m *Memory) Read(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.layout.BankOf(addr)
	if !ok || uint64(addr)+uint64(len(p)) > uint64(b.End()) {
		return fmt.Errorf("%w: 0x%08X+%d", ErrOutOfRange, addr, len(p))
	}
	copy(p, m.banks[b.ID][addr-b.Base:])
	return nil
}

// Load restores both banks from a file written by Save. A missing file
// leaves the flash erased.
func (m *Memory) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[flash] no image at %s, starting erased", path)
		return nil
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n1, n2 := len(m.banks[Bank1]), len(m.banks[Bank2])
	if len(data) != n1+n2 {
		return fmt.Errorf("flash: image %s is %d bytes, layout needs %d", path, len(data), n1+n2)
	}
	copy(m.banks[Bank1], data[:n1])
	copy(m.banks[Bank2], data[n1:])
	log.Printf("[flash] loaded %d bytes from %s", len(data), path)
	return nil
}

// Save writes both banks, bank 1 first, to path.
func (m *Memory) Save(path string) error {
	m.mu.Lock()
	data := make([]byte, 0, len(m.banks[Bank1])+len(m.banks[Bank2]))
	data = append(data, m.banks[Bank1]...)
	data = append(data, m.banks[Bank2]...)
	m.mu.Unlock()
	return os.WriteFile(path, data, 0644)
}
