package hub

import (
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

func TestBroadcastDropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)
	before := metrics.Snap().HubDrops

	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast(can.Message{ID: 0x123})
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("broadcast took %s", d)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("queue len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
	if cl.Dropped() != 996 || metrics.Snap().HubDrops-before != 996 {
		t.Fatalf("dropped %d", cl.Dropped())
	}
}

func TestBroadcastSlowClientDoesNotStarveOthers(t *testing.T) {
	h := New()
	slow, fast := NewClient(1), NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)
	for i := 0; i < 10; i++ {
		h.Broadcast(can.Message{ID: uint32(i)})
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d", len(fast.Out))
	}
	if m := <-fast.Out; m.ID != 0 {
		t.Fatalf("first message %v", m)
	}
}

func TestBroadcastKickPolicy(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	cl := NewClient(1)
	h.Add(cl)
	defer h.Remove(cl)
	before := metrics.Snap().HubKicks
	h.Broadcast(can.Message{ID: 1})
	h.Broadcast(can.Message{ID: 2})
	h.Broadcast(can.Message{ID: 3})
	select {
	case <-cl.Closed:
	default:
		t.Fatalf("client not kicked")
	}
	if metrics.Snap().HubKicks-before != 1 {
		t.Fatalf("kick counted %d times", metrics.Snap().HubKicks-before)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("count %d", h.Count())
	}
}
