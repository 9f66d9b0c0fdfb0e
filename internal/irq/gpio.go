package irq

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgePoll bounds each WaitForEdge so Close is noticed.
const edgePoll = 100 * time.Millisecond

// GPIOLine feeds falling edges of a host GPIO into a Pin.
type GPIOLine struct {
	*Pin
	name string

	mu   sync.Mutex
	gpio gpio.PinIn
	stop chan struct{}
	done chan struct{}
}

// NewGPIOLine returns a line for the named pin (e.g. "GPIO25").
func NewGPIOLine(name string) *GPIOLine {
	return &GPIOLine{Pin: NewPin(), name: name}
}

// Configure sets the pin up as a pulled-up input with falling-edge
// detection and starts watching it.
func (l *GPIOLine) Configure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gpio != nil {
		return nil
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("irq: periph host init: %w", err)
	}
	p := gpioreg.ByName(l.name)
	if p == nil {
		return fmt.Errorf("irq: gpio %q not found", l.name)
	}
	if err := p.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("irq: gpio %q: %w", l.name, err)
	}
	l.gpio = p
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.watch(p, l.stop, l.done)
	logging.L().Info("irq_gpio_configured", "pin", l.name)
	return nil
}

func (l *GPIOLine) watch(p gpio.PinIn, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if p.WaitForEdge(edgePoll) {
			l.Trigger()
		}
	}
}

// Close stops edge detection and the handler worker.
func (l *GPIOLine) Close() error {
	l.mu.Lock()
	p, stop, done := l.gpio, l.stop, l.done
	l.gpio = nil
	l.mu.Unlock()
	if p != nil {
		close(stop)
		if err := p.Halt(); err != nil {
			logging.L().Warn("irq_gpio_halt_error", "pin", l.name, "error", err)
		}
		<-done
		_ = p.In(gpio.PullUp, gpio.NoEdge)
	}
	return l.Pin.Close()
}
