package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/can"
)

var errTransient = errors.New("transient")

func TestRetryingRecovers(t *testing.T) {
	calls := 0
	send := Retrying(context.Background(), RetryPolicy{Attempts: 3, Delay: time.Millisecond}, func(can.Message) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err := send(can.Message{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls %d", calls)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	calls := 0
	var seen []uint
	p := RetryPolicy{Attempts: 2, OnRetry: func(n uint, err error) { seen = append(seen, n) }}
	send := Retrying(context.Background(), p, func(can.Message) error { calls++; return errTransient })
	if err := send(can.Message{}); !errors.Is(err, errTransient) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 || len(seen) == 0 {
		t.Fatalf("calls %d retries %v", calls, seen)
	}
}

func TestRetryingSkipsPermanent(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	p := RetryPolicy{Attempts: 5, Retryable: func(err error) bool { return errors.Is(err, errTransient) }}
	send := Retrying(context.Background(), p, func(can.Message) error { calls++; return permanent })
	if err := send(can.Message{}); !errors.Is(err, permanent) {
		t.Fatalf("got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}
