// Package spi connects the driver to a Linux spidev bus through periph.
// Chip select is a plain GPIO held low for a whole command, so the kernel's
// per-transfer chip select is disabled.
package spi

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// MaxHz is the controller's SPI clock limit.
const MaxHz = 10_000_000

var ErrConfig = errors.New("spi: invalid config")

type Config struct {
	Port  string // spireg name, e.g. "/dev/spidev0.0" or "SPI0.0"
	Hz    int64
	CSPin string // gpioreg name, e.g. "GPIO8"
}

func (c Config) validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port required", ErrConfig)
	case c.CSPin == "":
		return fmt.Errorf("%w: chip-select pin required", ErrConfig)
	case c.Hz <= 0 || c.Hz > MaxHz:
		return fmt.Errorf("%w: clock %d Hz outside 1..%d", ErrConfig, c.Hz, MaxHz)
	}
	return nil
}

// Device implements the driver's Bus and ChipSelect.
type Device struct {
	port spi.PortCloser
	conn spi.Conn
	cs   gpio.PinOut
	zero []byte
}

// Open initializes the periph host drivers, opens the bus in mode 0 and
// parks chip select high.
func Open(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("spi: host init: %w", err)
	}
	cs := gpioreg.ByName(cfg.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("%w: unknown gpio %q", ErrConfig, cfg.CSPin)
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("spi: chip select %s: %w", cfg.CSPin, err)
	}
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", cfg.Port, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.Hz)*physic.Hertz, spi.Mode0|spi.NoCS, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("spi: connect %s: %w", cfg.Port, err)
	}
	return &Device{port: port, conn: conn, cs: cs, zero: make([]byte, 64)}, nil
}

func (d *Device) Select() error   { return d.cs.Out(gpio.Low) }
func (d *Device) Deselect() error { return d.cs.Out(gpio.High) }

func (d *Device) TransmitByte(b byte) (byte, error) {
	var rx [1]byte
	if err := d.conn.Tx([]byte{b}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

func (d *Device) TransmitBytes(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	rx := make([]byte, len(buf))
	if err := d.conn.Tx(buf, rx); err != nil {
		return 0, err
	}
	return rx[len(rx)-1], nil
}

func (d *Device) ReadBytes(out []byte) error {
	if len(out) > len(d.zero) {
		d.zero = make([]byte, len(out))
	}
	return d.conn.Tx(d.zero[:len(out)], out)
}

// Close releases chip select and the bus.
func (d *Device) Close() error {
	_ = d.cs.Out(gpio.High)
	return d.port.Close()
}
