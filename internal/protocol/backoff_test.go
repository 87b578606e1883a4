package protocol

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunConnectionLoopRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	err := RunConnectionLoop(ctx, "test", time.Millisecond, func(ctx context.Context) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
}

func TestRunConnectionLoopStopsOnContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel only after the first attempt has failed and the loop is
	// waiting out its (hour-long) backoff.
	time.AfterFunc(10*time.Millisecond, cancel)

	err := RunConnectionLoop(ctx, "test", time.Hour, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
