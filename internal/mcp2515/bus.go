package mcp2515

import "time"

// Bus is the SPI byte-transfer primitive. Every call happens while the chip
// is selected; each byte written clocks one byte back.
type Bus interface {
	TransmitByte(b byte) (byte, error)
	// TransmitBytes writes buf and returns the last byte received.
	TransmitBytes(buf []byte) (byte, error)
	// ReadBytes clocks out zeros and stores the received bytes in out.
	ReadBytes(out []byte) error
}

// ChipSelect drives the active-low chip-select line.
type ChipSelect interface {
	Select() error
	Deselect() error
}

// Line is the controller's interrupt output as seen by the host: a pulled-up
// input latched on the falling edge. The attached handler runs on its own
// goroutine, never concurrently with itself, and not while the line is
// disabled.
type Line interface {
	// Configure sets up a pulled-up input with falling-edge detection.
	Configure() error
	// Attach enables the line at controller level and routes edges to isr.
	Attach(isr func()) error
	Enable()
	// Disable returns once a running handler has finished; edges are latched
	// until Enable. It must not be called from the handler itself.
	Disable()
	ClearPending()
	// Trigger latches an interrupt request in software.
	Trigger()
}

// Delay is the approximate busy-wait primitive.
type Delay func(time.Duration)
