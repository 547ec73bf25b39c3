package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps monitoring settlements: confirmation retries,
// offer status polling and safety-net expiry.
type Timer struct {
	service    *Service
	interval   time.Duration
	offerEvery int // poll offer status every n-th sweep
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
	running    atomic.Bool
	sweeps     int
}

// NewTimer creates a new settlement sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:    service,
		interval:   interval,
		offerEvery: 3,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. A sweep in progress finishes first.
// Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	t.sweeps++
	checkOffers := t.offerEvery > 0 && t.sweeps%t.offerEvery == 0

	rep, err := t.service.Sweep(ctx, checkOffers)
	if err != nil {
		t.logger.Warn("settlement sweep failed", "error", err)
		return
	}
	if rep.Delivered+rep.Expired+rep.Failed+rep.Rewatched > 0 {
		t.logger.Info("settlement sweep",
			"checked", rep.Checked, "delivered", rep.Delivered, "expired", rep.Expired,
			"failed", rep.Failed, "rewatched", rep.Rewatched)
	}
}
