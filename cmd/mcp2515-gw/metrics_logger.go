package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"chip_tx", snap.Tx,
				"chip_rx", snap.Rx,
				"interrupts", snap.Interrupts,
				"aborts", snap.Aborts,
				"controller_errors", snap.ControllerErrors,
				"busy", snap.Busy,
				"pending_buffers", snap.PendingBuffers,
				"mirror_rx", snap.MirrorRx,
				"mirror_tx", snap.MirrorTx,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"hub_clients", snap.HubClients,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
