// Package syncutil provides locking helpers shared across services.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one channel-based lock per key. Entries are
// reference counted and dropped once no goroutine holds or waits on them,
// so memory tracks the number of keys in use, not the number ever seen.
// Distinct keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is held and returns the unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext acquires key, giving up when ctx is done. On success the
// caller must invoke the returned unlock function exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
