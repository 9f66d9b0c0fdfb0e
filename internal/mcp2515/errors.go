package mcp2515

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-mcp2515-gateway/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBusy          = errors.New("mcp2515: link busy")
	ErrNoTxBuffer    = fmt.Errorf("%w: no free transmit buffer", ErrBusy)
	ErrTimeout       = errors.New("mcp2515: transmit timeout")
	ErrAborted       = fmt.Errorf("%w: transmissions aborted", ErrTimeout)
	ErrTransfer      = errors.New("mcp2515: spi transfer")
	ErrInvalidTiming = errors.New("mcp2515: invalid timing")
)

// errMetric maps a driver error to its metrics label.
func errMetric(err error) string {
	switch {
	case errors.Is(err, ErrTransfer):
		return metrics.ErrSPI
	case errors.Is(err, ErrBusy):
		return metrics.ErrBusy
	case errors.Is(err, ErrTimeout):
		return metrics.ErrTxTimeout
	default:
		return "other"
	}
}
