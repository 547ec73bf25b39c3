// Package retry provides bounded retries with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// DelayedError carries a server-provided minimum wait (e.g. Retry-After).
type DelayedError struct {
	Err   error
	After time.Duration
}

func (e *DelayedError) Error() string { return e.Err.Error() }
func (e *DelayedError) Unwrap() error { return e.Err }

// After wraps err so that the next attempt waits at least d.
func After(err error, d time.Duration) error {
	return &DelayedError{Err: err, After: d}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single sleep, including server hints. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultPolicy is used by external API clients.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return DoPolicy(ctx, Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}, fn)
}

// DoPolicy is Do with an explicit Policy. A *DelayedError raises the next
// sleep to at least its hint.
func DoPolicy(ctx context.Context, p Policy, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		var de *DelayedError
		if errors.As(err, &de) && de.After > sleep {
			sleep = de.After
		}
		if p.MaxDelay > 0 && sleep > p.MaxDelay {
			sleep = p.MaxDelay
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	var de *DelayedError
	if errors.As(err, &de) {
		return de.Err
	}
	return err
}
