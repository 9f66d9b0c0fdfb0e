package mcp2515

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// modeNone marks the link as free. Tags are the owning opcode, all non-zero.
const modeNone = 0

// guard serializes command/response exchanges on the SPI link. The
// check-and-set is a single compare-and-swap so the dispatcher goroutine and
// callers can race for it safely.
type guard struct {
	mode  atomic.Uint32
	spins int
}

// acquire claims the link for tag within the spin budget. The budget counts
// attempts, not time.
func (g *guard) acquire(tag byte) error {
	for i := 0; i < g.spins; i++ {
		if g.mode.CompareAndSwap(modeNone, uint32(tag)) {
			return nil
		}
		runtime.Gosched()
	}
	return ErrBusy
}

func (g *guard) release() { g.mode.Store(modeNone) }

// owner returns the opcode holding the link, or 0.
func (g *guard) owner() byte { return byte(g.mode.Load()) }

// locked runs fn while holding the link. A busy link is reported without any
// SPI activity.
func (d *Driver) locked(tag byte, fn func() error) error {
	if err := d.guard.acquire(tag); err != nil {
		d.countErr(err)
		return fmt.Errorf("%w (held by 0x%02X)", err, d.guard.owner())
	}
	defer d.guard.release()
	return fn()
}

// selected brackets fn with chip-select; the line is released even when the
// transfer fails.
func (d *Driver) selected(fn func() error) error {
	if err := d.cs.Select(); err != nil {
		err = fmt.Errorf("%w: select: %v", ErrTransfer, err)
		d.countErr(err)
		return err
	}
	err := fn()
	if derr := d.cs.Deselect(); err == nil && derr != nil {
		err = derr
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrTransfer, err)
		d.countErr(err)
		return err
	}
	return nil
}

// exchange is a single guarded chip-select transaction.
func (d *Driver) exchange(tag byte, fn func() error) error {
	return d.locked(tag, func() error { return d.selected(fn) })
}
