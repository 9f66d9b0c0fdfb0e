// Package socketcan mirrors the controller's traffic onto a Linux SocketCAN
// interface so standard can-utils tooling can watch and inject frames.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/logging"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
	"github.com/kstaniek/go-mcp2515-gateway/internal/transport"
)

var ErrTxOverflow = fmt.Errorf("socketcan: %w", transport.ErrQueueFull)

// Dev is the raw socket as the mirror needs it; *Device implements it.
type Dev interface {
	ReadMessage() (can.Message, error)
	WriteMessage(can.Message) error
	Close() error
}

// Mirror copies controller receptions to the interface through a single
// writer goroutine and forwards frames read from the interface to a sink.
type Mirror struct {
	dev Dev
	tx  *transport.AsyncTx
	log *slog.Logger
}

// NewMirror starts the writer with a queue of size buf.
func NewMirror(ctx context.Context, dev Dev, buf int) *Mirror {
	log := logging.L().With("component", "socketcan")
	hooks := transport.Hooks{
		OnError: func(err error, _ int) {
			metrics.IncError(metrics.ErrMirrorWrite)
			log.Debug("mirror_write_error", "error", err)
		},
		OnAfter: func(int) { metrics.IncMirrorTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrMirrorOver)
			return ErrTxOverflow
		},
	}
	return &Mirror{
		dev: dev,
		tx:  transport.NewAsyncTx(ctx, buf, 1, transport.Single(dev.WriteMessage), hooks),
		log: log,
	}
}

// Publish queues m for the interface without blocking.
func (m *Mirror) Publish(msg can.Message) error { return m.tx.Enqueue(msg) }

// Run reads frames from the interface into sink until ctx ends or the
// socket fails. Malformed and error frames are counted and skipped.
func (m *Mirror) Run(ctx context.Context, sink transport.Sink) error {
	stop := context.AfterFunc(ctx, func() { _ = m.dev.Close() })
	defer stop()
	for {
		msg, err := m.dev.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrMirrorRead)
			var fe *frameError
			if errors.As(err, &fe) {
				continue
			}
			return fmt.Errorf("socketcan read: %w", err)
		}
		metrics.IncMirrorRx()
		if err := sink.Enqueue(msg); err != nil {
			m.log.Debug("mirror_forward_error", "error", err, "msg", msg.String())
		}
	}
}

// Close stops the writer and closes the socket.
func (m *Mirror) Close() error {
	m.tx.Close()
	return m.dev.Close()
}

// frameError marks a read that returned a frame the gateway cannot carry.
type frameError struct{ err error }

func (e *frameError) Error() string { return e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }
