package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/chipsim"
	"github.com/kstaniek/go-mcp2515-gateway/internal/irq"
	"github.com/kstaniek/go-mcp2515-gateway/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515-gateway/internal/serial"
	"github.com/kstaniek/go-mcp2515-gateway/internal/spi"
)

// Replaced in tests.
var (
	openSPI    = func(c spi.Config) (spiDevice, error) { return spi.Open(c) }
	openSerial = serial.Open
)

type spiDevice interface {
	mcp2515.Bus
	mcp2515.ChipSelect
	Close() error
}

// link is everything the driver talks to, plus how to release it.
type link struct {
	bus   mcp2515.Bus
	cs    mcp2515.ChipSelect
	line  mcp2515.Line
	chip  *chipsim.Chip // sim only
	close func() error
}

func openLink(cfg *appConfig, l *slog.Logger) (*link, error) {
	switch cfg.backend {
	case "sim":
		return openSimLink(l), nil
	case "spidev":
		dev, err := openSPI(spi.Config{Port: cfg.spiDev, Hz: cfg.spiHz, CSPin: cfg.csPin})
		if err != nil {
			return nil, fmt.Errorf("spidev %s: %w", cfg.spiDev, err)
		}
		line := irq.NewGPIOLine(cfg.irqPin)
		l.Info("backend_spidev", "port", cfg.spiDev, "hz", cfg.spiHz, "cs", cfg.csPin, "irq", cfg.irqPin)
		return &link{bus: dev, cs: dev, line: line, close: func() error {
			return errors.Join(line.Close(), dev.Close())
		}}, nil
	case "serial":
		port, err := openSerial(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("serial %s: %w", cfg.serialDev, err)
		}
		b := serial.NewBridge(port, cfg.bridgeTimeout)
		pin := irq.NewPin()
		b.OnInterrupt(pin.Trigger)
		l.Info("backend_serial", "device", cfg.serialDev, "baud", cfg.baud, "chunk", serial.MaxChunk)
		return &link{bus: b, cs: b, line: pin, close: func() error {
			return errors.Join(pin.Close(), b.Close())
		}}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|spidev|serial)", cfg.backend)
	}
}

// openSimLink runs the driver against the in-process controller model. In
// normal mode its transmissions go nowhere and are only logged.
func openSimLink(l *slog.Logger) *link {
	chip := chipsim.New()
	pin := irq.NewPin()
	chip.OnInterrupt(pin.Trigger)
	chip.OnTransmit(func(m can.Message) { l.Debug("sim_bus_tx", "msg", m.String()) })
	l.Info("backend_sim")
	return &link{bus: chip, cs: chip, line: pin, chip: chip, close: pin.Close}
}
