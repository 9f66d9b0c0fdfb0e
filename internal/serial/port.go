package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the UART the SPI bridge is attached to. With a read timeout a
// quiet line surfaces as io.EOF, which the bridge reader ignores.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout, Size: 8, StopBits: serial.Stop1, Parity: serial.ParityNone}
	return serial.OpenPort(cfg)
}
