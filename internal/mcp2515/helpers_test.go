package mcp2515

import (
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/chipsim"
	"github.com/kstaniek/go-mcp2515-gateway/internal/irq"
	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
)

type link interface {
	Bus
	ChipSelect
}

// recorder captures the bytes clocked out during each chip-select cycle.
type recorder struct {
	inner link

	mu     sync.Mutex
	active bool
	nested int
	cur    []byte
	frames [][]byte
}

func (r *recorder) Select() error {
	r.mu.Lock()
	if r.active {
		r.nested++
	}
	r.active = true
	r.cur = nil
	r.mu.Unlock()
	return r.inner.Select()
}

func (r *recorder) Deselect() error {
	r.mu.Lock()
	r.frames = append(r.frames, r.cur)
	r.cur = nil
	r.active = false
	r.mu.Unlock()
	return r.inner.Deselect()
}

func (r *recorder) TransmitByte(b byte) (byte, error) {
	r.mu.Lock()
	r.cur = append(r.cur, b)
	r.mu.Unlock()
	return r.inner.TransmitByte(b)
}

func (r *recorder) TransmitBytes(buf []byte) (byte, error) {
	r.mu.Lock()
	r.cur = append(r.cur, buf...)
	r.mu.Unlock()
	return r.inner.TransmitBytes(buf)
}

func (r *recorder) ReadBytes(out []byte) error {
	r.mu.Lock()
	r.cur = append(r.cur, make([]byte, len(out))...)
	r.mu.Unlock()
	return r.inner.ReadBytes(out)
}

// take returns and forgets the recorded cycles.
func (r *recorder) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.frames
	r.frames = nil
	return f
}

type rig struct {
	chip *chipsim.Chip
	pin  *irq.Pin
	rec  *recorder
	d    *Driver
}

// shortDelay keeps retry spacing but caps long settles.
func shortDelay(d time.Duration) {
	if d > time.Millisecond {
		d = time.Millisecond
	}
	time.Sleep(d)
}

// newRig wires a driver to a simulated chip and a software interrupt line
// and runs Init.
func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	chip := chipsim.New()
	pin := irq.NewPin()
	chip.OnInterrupt(pin.Trigger)
	rec := &recorder{inner: chip}
	base := []Option{WithDelay(shortDelay), WithLogger(logging.Discard())}
	d := New(rec, rec, pin, append(base, opts...)...)
	if err := d.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
		_ = pin.Close()
	})
	return &rig{chip: chip, pin: pin, rec: rec, d: d}
}

// start resets the controller, applies the default timing and enters mode m
// with the given interrupt sources enabled.
func (r *rig) start(t *testing.T, m Mode, ints Interrupt) {
	t.Helper()
	if err := r.d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := r.d.SetMode(ModeConfig); err != nil {
		t.Fatalf("config mode: %v", err)
	}
	if err := r.d.SetTiming(DefaultTiming); err != nil {
		t.Fatalf("timing: %v", err)
	}
	if ints != 0 {
		if err := r.d.EnableInterrupt(ints); err != nil {
			t.Fatalf("enable interrupts: %v", err)
		}
	}
	if err := r.d.SetMode(m); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	r.rec.take()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
