// Package irq models a host interrupt input: an edge latch, an enable gate
// and a worker goroutine that runs the attached handler.
package irq

import (
	"errors"
	"sync"
)

var (
	ErrAttached = errors.New("irq: handler already attached")
	ErrClosed   = errors.New("irq: line closed")
)

// Pin is a software interrupt line. Edges are latched by Trigger and
// delivered to the handler when the line is enabled. The handler never runs
// concurrently with itself.
type Pin struct {
	mu      sync.Mutex
	cond    *sync.Cond
	isr     func()
	enabled bool
	pending bool
	running bool
	closed  bool
	done    chan struct{}

	fired uint64
}

func NewPin() *Pin {
	p := &Pin{done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Configure is a no-op for the software line.
func (p *Pin) Configure() error { return nil }

// Attach routes latched edges to isr and starts the worker.
func (p *Pin) Attach(isr func()) error {
	if isr == nil {
		return errors.New("irq: nil handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.isr != nil {
		return ErrAttached
	}
	p.isr = isr
	go p.loop()
	return nil
}

func (p *Pin) Enable() {
	p.mu.Lock()
	p.enabled = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Disable gates the handler and waits for a running invocation to return.
// Calling it from the handler deadlocks.
func (p *Pin) Disable() {
	p.mu.Lock()
	p.enabled = false
	for p.running {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Pin) ClearPending() {
	p.mu.Lock()
	p.pending = false
	p.mu.Unlock()
}

// Trigger latches an edge.
func (p *Pin) Trigger() {
	p.mu.Lock()
	p.pending = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Pending reports whether an edge is latched and not yet delivered.
func (p *Pin) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Enabled reports the gate state.
func (p *Pin) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Fired returns how many times the handler has been entered.
func (p *Pin) Fired() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired
}

// Close stops the worker after a running handler returns.
func (p *Pin) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.isr != nil
	p.cond.Broadcast()
	p.mu.Unlock()
	if started {
		<-p.done
	}
	return nil
}

func (p *Pin) loop() {
	defer close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.closed && !(p.enabled && p.pending) {
			p.cond.Wait()
		}
		if p.closed {
			return
		}
		// entering the handler acknowledges the edge
		p.pending = false
		p.running = true
		p.fired++
		isr := p.isr
		p.mu.Unlock()
		isr()
		p.mu.Lock()
		p.running = false
		p.cond.Broadcast()
	}
}
