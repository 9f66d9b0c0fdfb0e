package transport

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

// RetryPolicy bounds how often a transient send failure is retried.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry observes each failed attempt (n counts from 0).
	OnRetry func(n uint, err error)
}

// Retrying wraps send so that transient failures are retried with a fixed
// delay. The last error is returned once attempts run out or ctx ends.
func Retrying(ctx context.Context, p RetryPolicy, send func(can.Message) error) func(can.Message) error {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	}
	if p.Retryable != nil {
		opts = append(opts, retry.RetryIf(p.Retryable))
	}
	if p.OnRetry != nil {
		opts = append(opts, retry.OnRetry(p.OnRetry))
	}
	return func(m can.Message) error {
		return retry.Do(func() error { return send(m) }, opts...)
	}
}
