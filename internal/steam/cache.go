package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InventoryCache keeps the last successful snapshot per identity.
type InventoryCache interface {
	Get(ctx context.Context, identity string) (*Snapshot, bool, error)
	Put(ctx context.Context, snap *Snapshot) error
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	out := *s
	out.Items = append([]Item(nil), s.Items...)
	return &out
}

// MemoryCache is a process-local InventoryCache.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*Snapshot)}
}

func (m *MemoryCache) Get(_ context.Context, identity string) (*Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snaps[identity]
	if !ok {
		return nil, false, nil
	}
	return cloneSnapshot(s), true, nil
}

// Put replaces the entry for snap.Identity. Older snapshots never
// overwrite newer ones.
func (m *MemoryCache) Put(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.snaps[snap.Identity]; ok && cur.FetchedAt.After(snap.FetchedAt) {
		return nil
	}
	m.snaps[snap.Identity] = cloneSnapshot(snap)
	return nil
}

// RedisCache shares snapshots between replicas.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps a go-redis client. Entries expire after ttl.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, prefix: "skinsettle:inventory:", ttl: ttl}
}

func (r *RedisCache) key(identity string) string {
	return r.prefix + identity
}

func (r *RedisCache) Get(ctx context.Context, identity string) (*Snapshot, bool, error) {
	data, err := r.rdb.Get(ctx, r.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inventory cache get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("inventory cache decode: %w", err)
	}
	snap.Stale = false
	return &snap, true, nil
}

func (r *RedisCache) Put(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("inventory cache encode: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(snap.Identity), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("inventory cache set: %w", err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var (
	_ InventoryCache = (*MemoryCache)(nil)
	_ InventoryCache = (*RedisCache)(nil)
)
