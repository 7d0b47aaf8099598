package link

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// ReadTimeout is the serial read timeout. Reads return empty after it so
// cancellation and response deadlines are noticed.
const ReadTimeout = 200 * time.Millisecond

// OpenSerial opens a port at 8N1.
func OpenSerial(path string, baud int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: failed to set timeout: %w", err)
	}
	log.Printf("[link] opened %s at %d baud", path, baud)
	return port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
