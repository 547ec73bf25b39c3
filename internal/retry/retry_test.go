package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, 5*time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), 5, 5*time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 100, 20*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("keep failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() >= 100 {
		t.Fatalf("expected cancellation to cut retries short, got %d calls", calls.Load())
	}
}

func TestDoPolicy_HonoursDelayHint(t *testing.T) {
	var calls int
	start := time.Now()
	err := DoPolicy(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls == 1 {
			return After(errors.New("slow down"), 60*time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("expected at least 60ms wait, got %v", elapsed)
	}
}

func TestDoPolicy_MaxDelayCapsHint(t *testing.T) {
	start := time.Now()
	_ = DoPolicy(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, func() error {
		return After(errors.New("slow down"), time.Hour)
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected MaxDelay cap, waited %v", elapsed)
	}
}

func TestDoPolicy_ReturnsUnderlyingErrorOnExhaustion(t *testing.T) {
	sentinel := errors.New("throttled")
	err := DoPolicy(context.Background(), Policy{MaxAttempts: 1}, func() error {
		return After(sentinel, time.Second)
	})
	if err != sentinel {
		t.Fatalf("expected bare sentinel, got %v", err)
	}
}
