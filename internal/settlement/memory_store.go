package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/skinsettle/internal/pagination"
)

// MemoryStore is an in-memory settlement store for development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.SettlementID]; ok {
		return ErrDuplicateSettlement
	}
	cp := *r
	m.records[r.SettlementID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.SettlementID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.records[r.SettlementID] = &cp
	return nil
}

func (m *MemoryStore) ListByIdentity(_ context.Context, identity string, after *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.BuyerIdentity != identity && r.SellerIdentity != identity {
			continue
		}
		if !after.Includes(r.CreatedAt, r.SettlementID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].SettlementID > result[j].SettlementID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByState returns records in state, oldest deadline first.
func (m *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.State == state {
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Deadline.Before(result[j].Deadline)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
