package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

func waitCount(t *testing.T, v *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && v.Load() < want {
		time.Sleep(2 * time.Millisecond)
	}
	if v.Load() < want {
		t.Fatalf("got %d, want %d", v.Load(), want)
	}
}

func TestAsyncTxDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []uint32
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 8, 1, Single(func(m can.Message) error {
		mu.Lock()
		got = append(got, m.ID)
		mu.Unlock()
		return nil
	}), Hooks{OnAfter: func(n int) { after.Add(int64(n)) }})
	defer ax.Close()
	for i := 0; i < 5; i++ {
		if err := ax.Enqueue(can.Message{ID: uint32(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitCount(t, &after, 5)
	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != uint32(i) {
			t.Fatalf("order %v", got)
		}
	}
}

// TestAsyncTxBatches holds the worker on the first message so the rest
// queue up and arrive as one batch.
func TestAsyncTxBatches(t *testing.T) {
	gate := make(chan struct{})
	sizes := make(chan int, 8)
	ax := NewAsyncTx(context.Background(), 8, 3, func(ms []can.Message) error {
		if ms[0].ID == 0 {
			<-gate
		}
		sizes <- len(ms)
		return nil
	}, Hooks{})
	defer ax.Close()
	_ = ax.Enqueue(can.Message{ID: 0})
	time.Sleep(10 * time.Millisecond)
	for i := 1; i <= 4; i++ {
		_ = ax.Enqueue(can.Message{ID: uint32(i)})
	}
	close(gate)
	want := []int{1, 3, 1}
	for i, w := range want {
		select {
		case n := <-sizes:
			if n != w {
				t.Fatalf("batch %d size %d, want %d", i, n, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("batch %d missing", i)
		}
	}
}

func TestAsyncTxOverflow(t *testing.T) {
	var drops atomic.Int64
	gate := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, 1, func([]can.Message) error { <-gate; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(gate)
	_ = ax.Enqueue(can.Message{}) // taken by the worker
	time.Sleep(10 * time.Millisecond)
	if err := ax.Enqueue(can.Message{}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := ax.Enqueue(can.Message{}); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("drops %d", drops.Load())
	}
}

func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, 1, func([]can.Message) error { return errSendFail },
		Hooks{OnError: func(err error, n int) {
			if errors.Is(err, errSendFail) && n == 1 {
				errs.Add(1)
			}
		}})
	defer ax.Close()
	_ = ax.Enqueue(can.Message{})
	waitCount(t, &errs, 1)
}

func TestAsyncTxEnqueueAfterClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, 1, func(ms []can.Message) error { sent.Add(int64(len(ms))); return nil }, Hooks{})
	ax.Close()
	ax.Close()
	if err := ax.Enqueue(can.Message{ID: 1}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("message processed after close")
	}
}

func TestAsyncTxCloseConcurrentEnqueue(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, 1, func([]can.Message) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.Enqueue(can.Message{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}
