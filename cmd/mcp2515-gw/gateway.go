package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
	"github.com/kstaniek/go-mcp2515-gateway/internal/hub"
	"github.com/kstaniek/go-mcp2515-gateway/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
	"github.com/kstaniek/go-mcp2515-gateway/internal/socketcan"
	"github.com/kstaniek/go-mcp2515-gateway/internal/transport"
)

var errTxOverflow = fmt.Errorf("controller: %w", transport.ErrQueueFull)

// controllerError is one ERRIF report: EFLG and the receive error count.
type controllerError struct{ eflg, rec byte }

// gateway ties the driver to the hub, the optional SocketCAN mirror and the
// transmit queue shared by TCP clients and the mirror.
type gateway struct {
	cfg    *appConfig
	link   *link
	drv    *mcp2515.Driver
	hub    *hub.Hub
	mirror *socketcan.Mirror
	tx     *transport.AsyncTx
	errs   chan controllerError
	log    *slog.Logger
}

func newGateway(ctx context.Context, cfg *appConfig, lk *link, h *hub.Hub, mirror *socketcan.Mirror, l *slog.Logger) *gateway {
	g := &gateway{
		cfg:    cfg,
		link:   lk,
		hub:    h,
		mirror: mirror,
		errs:   make(chan controllerError, 16),
		log:    l.With("component", "gateway"),
	}
	g.drv = mcp2515.New(lk.bus, lk.cs, lk.line,
		mcp2515.WithSendRetries(cfg.sendRetries, cfg.sendRetryDelay),
		mcp2515.WithBulkIterations(cfg.bulkIterations),
		mcp2515.WithLogger(l),
	)
	g.drv.SetReceivedMessageHandler(mcp2515.MessageHandlerFunc(g.received))
	g.drv.SetBufferAvailableHandler(mcp2515.BufferAvailableFunc(func(mcp2515.TxBuffer) {
		metrics.SetPendingBuffers(bits.OnesCount8(g.drv.PendingBuffers()))
	}))
	g.drv.SetErrorHandler(mcp2515.ErrorHandlerFunc(func(eflg, rec byte) {
		select {
		case g.errs <- controllerError{eflg, rec}:
		default: // ERRIF stays set, the pending report clears it
		}
	}))

	sendOne := transport.Retrying(ctx, transport.RetryPolicy{
		Attempts:  cfg.txAttempts,
		Delay:     cfg.txRetryDelay,
		Retryable: retryableTx,
		OnRetry: func(n uint, err error) {
			g.log.Debug("tx_retry", "attempt", n+1, "error", err)
		},
	}, g.drv.SendMessage)
	send := func(batch []can.Message) error {
		if len(batch) == 1 {
			return sendOne(batch[0])
		}
		return g.drv.SendBulk(batch)
	}
	g.tx = transport.NewAsyncTx(ctx, cfg.txQueue, cfg.txBatch, send, transport.Hooks{
		OnError: func(err error, n int) {
			metrics.IncError(metrics.ErrChipTx)
			g.log.Warn("tx_error", "error", err, "batch", n)
		},
		OnAfter: func(int) {
			metrics.SetPendingBuffers(bits.OnesCount8(g.drv.PendingBuffers()))
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrChipOverflow)
			return errTxOverflow
		},
	})
	return g
}

// retryableTx retries a busy link or a full set of transmit buffers. An
// aborted bulk run is final.
func retryableTx(err error) bool {
	if errors.Is(err, mcp2515.ErrAborted) {
		return false
	}
	return errors.Is(err, mcp2515.ErrBusy) || errors.Is(err, mcp2515.ErrTimeout)
}

// received runs on the interrupt goroutine; m is the driver's slot and is
// copied before it leaves.
func (g *gateway) received(rx mcp2515.RxBuffer, m *can.Message) {
	msg := *m
	g.log.Debug("rx", "buffer", rx.String(), "msg", msg.String())
	g.hub.Broadcast(msg)
	if g.mirror != nil {
		_ = g.mirror.Publish(msg)
	}
}

// Enqueue queues m for the controller.
func (g *gateway) Enqueue(m can.Message) error { return g.tx.Enqueue(m) }

// bringUp resets the controller and configures it for cfg: bit timing,
// receive rollover and interrupt sources are written in configuration mode,
// then the requested mode is entered and checked.
func (g *gateway) bringUp() error {
	t, err := g.cfg.timing()
	if err != nil {
		return err
	}
	mask, err := parseInterrupts(g.cfg.interrupts)
	if err != nil {
		return err
	}
	if mask&mcp2515.IntTX != mcp2515.IntTX && g.cfg.opMode() != mcp2515.ModeListenOnly {
		g.log.Warn("tx_interrupts_disabled", "note", "transmit buffers are only released on TXnIF")
	}
	var bukt byte
	if g.cfg.rxRollover {
		bukt = mcp2515.RXB0CTRL_BUKT
	}
	mode := g.cfg.opMode()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"init", g.drv.Init},
		{"reset", g.drv.Reset},
		{"config_mode", func() error { return g.drv.SetMode(mcp2515.ModeConfig) }},
		{"timing", func() error { return g.drv.SetTiming(t) }},
		{"rollover", func() error { return g.drv.BitModify(mcp2515.RegRXB0CTRL, mcp2515.RXB0CTRL_BUKT, bukt) }},
		{"interrupts", func() error { return g.drv.EnableInterrupt(mask) }},
		{"mode", func() error { return g.drv.SetMode(mode) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("bring-up %s: %w", s.name, err)
		}
	}
	got, err := g.drv.Mode()
	if err != nil {
		return fmt.Errorf("bring-up verify: %w", err)
	}
	if got != mode {
		return fmt.Errorf("bring-up verify: controller in %s, want %s", got, mode)
	}
	g.log.Info("controller_up",
		"mode", mode.String(),
		"bitrate", t.BitRate(),
		"interrupts", fmt.Sprintf("0x%02X", uint8(mask)),
		"rollover", g.cfg.rxRollover)
	return nil
}

// selftest queues the demonstration frame: standard ID 0x0F, bytes 0..7.
func (g *gateway) selftest() error {
	m, err := can.New(0x0F, false, 0, 1, 2, 3, 4, 5, 6, 7)
	if err != nil {
		return err
	}
	g.log.Info("selftest_send", "msg", m.String())
	return g.Enqueue(m)
}

// runErrors handles ERRIF reports until ctx ends: receive overflows are
// counted and their EFLG bits cleared, then ERRIF itself.
func (g *gateway) runErrors(ctx context.Context) error {
	const overflow = mcp2515.EFLG_RX0OVR | mcp2515.EFLG_RX1OVR
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-g.errs:
			g.log.Warn("controller_error", "eflg", fmt.Sprintf("0x%02X", e.eflg), "rec", e.rec)
			err := retry.Do(func() error {
				if e.eflg&overflow != 0 {
					if err := g.drv.BitModify(mcp2515.RegEFLG, overflow, 0x00); err != nil {
						return err
					}
				}
				return g.drv.ClearInterrupt(mcp2515.IntErr)
			},
				retry.Context(ctx),
				retry.Attempts(5),
				retry.Delay(time.Millisecond),
				retry.DelayType(retry.FixedDelay),
				retry.LastErrorOnly(true),
				retry.RetryIf(func(err error) bool { return errors.Is(err, mcp2515.ErrBusy) }),
			)
			if e.eflg&overflow != 0 {
				metrics.IncError(metrics.ErrRxOverflow)
			}
			if err != nil && ctx.Err() == nil {
				metrics.IncError(metrics.ErrController)
				g.log.Warn("controller_error_clear_failed", "error", err)
			}
		}
	}
}

// close stops the transmit queue and releases the interrupt line and link.
func (g *gateway) close() error {
	g.tx.Close()
	return errors.Join(g.drv.Close(), g.link.close())
}
