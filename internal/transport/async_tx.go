package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

var (
	// ErrAsyncTxClosed is returned by Enqueue after Close.
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrQueueFull is the conventional OnDrop result.
	ErrQueueFull = errors.New("transport: queue full")
)

// BatchFunc transmits the messages drained in one worker pass, in order.
type BatchFunc func([]can.Message) error

// AsyncTx funnels message writes from many producers through one goroutine.
// Enqueue never blocks: with the queue full it calls Hooks.OnDrop and
// returns its error. The worker drains up to maxBatch queued messages per
// pass and hands them to the send function together.
type AsyncTx struct {
	mu       sync.Mutex
	ch       chan can.Message
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	send     BatchFunc
	maxBatch int
	hooks    Hooks
	closed   atomic.Bool
}

// Hooks let each sink keep its own metrics and logging.
type Hooks struct {
	// OnError receives the send error and the size of the failed batch.
	OnError func(err error, n int)
	// OnAfter runs after a successful send of n messages.
	OnAfter func(n int)
	// OnDrop runs when the queue is full; its error is returned from Enqueue.
	// If nil the overflow is silent.
	OnDrop func() error
}

// NewAsyncTx starts a worker with a queue of size buf. maxBatch below 1 is
// treated as 1.
func NewAsyncTx(parent context.Context, buf, maxBatch int, send BatchFunc, hooks Hooks) *AsyncTx {
	if maxBatch < 1 {
		maxBatch = 1
	}
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:       make(chan can.Message, buf),
		ctx:      ctx,
		cancel:   cancel,
		send:     send,
		maxBatch: maxBatch,
		hooks:    hooks,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Single adapts a per-message send to a BatchFunc; it stops at the first
// error.
func Single(send func(can.Message) error) BatchFunc {
	return func(ms []can.Message) error {
		for _, m := range ms {
			if err := send(m); err != nil {
				return err
			}
		}
		return nil
	}
}

func (a *AsyncTx) loop() {
	defer a.wg.Done()
	batch := make([]can.Message, 0, a.maxBatch)
	for {
		select {
		case m, ok := <-a.ch:
			if !ok {
				return
			}
			batch = append(batch[:0], m)
		drain:
			for len(batch) < a.maxBatch {
				select {
				case m, ok := <-a.ch:
					if !ok {
						break drain
					}
					batch = append(batch, m)
				default:
					break drain
				}
			}
			a.flush(batch)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *AsyncTx) flush(batch []can.Message) {
	if err := a.send(batch); err != nil {
		if a.hooks.OnError != nil {
			a.hooks.OnError(err, len(batch))
		}
		return
	}
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter(len(batch))
	}
}

// Enqueue queues m or returns the drop error if the queue is full.
func (a *AsyncTx) Enqueue(m can.Message) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- m:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Queued reports the number of messages waiting for the worker.
func (a *AsyncTx) Queued() int { return len(a.ch) }

// Close stops the worker and waits for it. Queued messages are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
