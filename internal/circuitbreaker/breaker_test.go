package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(clk.Now), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("inventory") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("inventory")
	b.RecordFailure("inventory")
	if !b.Allow("inventory") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("inventory")
	if b.Allow("inventory") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("inventory") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("inventory"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)

	b.RecordFailure("inventory")
	b.RecordFailure("inventory")
	clk.Advance(61 * time.Second)

	if !b.Allow("inventory") {
		t.Fatal("should allow probe in half-open")
	}
	if b.Allow("inventory") {
		t.Fatal("should reject second request in half-open")
	}

	b.RecordSuccess("inventory")
	if b.State("inventory") != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", b.State("inventory"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure("send")
	clk.Advance(2 * time.Minute)
	b.Allow("send")
	b.RecordFailure("send")
	if b.State("send") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("send"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("inventory")
	if !b.Allow("status") {
		t.Fatal("unrelated key should stay closed")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	ignored := errors.New("private inventory")
	upstream := errors.New("502")

	countable := func(err error) bool { return err != ignored }

	if err := b.Execute("inventory", countable, func() error { return ignored }); err != ignored {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if b.State("inventory") != StateClosed {
		t.Fatal("non-countable error should not trip the breaker")
	}

	_ = b.Execute("inventory", countable, func() error { return upstream })
	if err := b.Execute("inventory", countable, func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("inventory")
	b.RecordSuccess("status")

	snap := b.Snapshot()
	if snap["inventory"] != "open" {
		t.Fatalf("expected inventory open, got %v", snap)
	}
	if _, ok := snap["status"]; ok {
		t.Fatal("untracked key should not appear")
	}
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Allow("k")
				b.RecordFailure("k")
				b.RecordSuccess("k")
			}
		}()
	}
	wg.Wait()
}
