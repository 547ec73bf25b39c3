package steam

import (
	"sync"
	"time"
)

// Quota is a daily request budget that resets at UTC midnight.
type Quota struct {
	mu    sync.Mutex
	limit int64
	used  int64
	day   time.Time
	now   func() time.Time
}

// NewQuota creates a quota of limit requests per UTC day.
func NewQuota(limit int64, now func() time.Time) *Quota {
	if now == nil {
		now = time.Now
	}
	q := &Quota{limit: limit, now: now}
	q.day = dayOf(now())
	return q
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// caller must hold q.mu
func (q *Quota) rollover() {
	if d := dayOf(q.now()); !d.Equal(q.day) {
		q.day = d
		q.used = 0
	}
}

// Take consumes one unit. It returns false when the budget is spent.
func (q *Quota) Take() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.used >= q.limit {
		return false
	}
	q.used++
	quotaUsed.Set(float64(q.used))
	return true
}

// Remaining returns the units left for the current day.
func (q *Quota) Remaining() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.used >= q.limit {
		return 0
	}
	return q.limit - q.used
}

// ResetsAt returns the next reset instant.
func (q *Quota) ResetsAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	return q.day.Add(24 * time.Hour)
}
