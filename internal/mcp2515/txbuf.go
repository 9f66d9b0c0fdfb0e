package mcp2515

import "sync/atomic"

// txBuffers is the occupancy bitmap of the transmit buffers. A set bit means
// the buffer holds a frame whose transmission has not been confirmed yet.
// Callers allocate; only the dispatcher releases (and AbortAll/Reset clear).
type txBuffers struct {
	state atomic.Uint32
}

const txAllBits = 1<<numTxBuffers - 1

// allocate marks the first free buffer (TXB0, TXB1, TXB2 order) pending.
func (t *txBuffers) allocate() (TxBuffer, bool) {
	for {
		cur := t.state.Load()
		b, ok := firstFree(cur)
		if !ok {
			return 0, false
		}
		if t.state.CompareAndSwap(cur, cur|b.bit()) {
			return b, true
		}
	}
}

func firstFree(state uint32) (TxBuffer, bool) {
	for b := TXB0; b < numTxBuffers; b++ {
		if state&b.bit() == 0 {
			return b, true
		}
	}
	return 0, false
}

// markPending claims b without scanning; used by the bulk path which picks
// buffers from the controller status.
func (t *txBuffers) markPending(b TxBuffer) { t.state.Or(b.bit()) }

func (t *txBuffers) release(b TxBuffer) { t.state.And(^b.bit()) }

func (t *txBuffers) pending(b TxBuffer) bool { return t.state.Load()&b.bit() != 0 }
func (t *txBuffers) anyFree() bool           { return t.state.Load()&txAllBits != txAllBits }
func (t *txBuffers) allFree() bool           { return t.state.Load()&txAllBits == 0 }
func (t *txBuffers) reset()                  { t.state.Store(0) }
func (t *txBuffers) snapshot() uint8         { return uint8(t.state.Load() & txAllBits) }
