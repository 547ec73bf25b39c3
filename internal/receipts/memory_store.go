package receipts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory receipt store for development mode.
type MemoryStore struct {
	receipts map[string]*Receipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory receipt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]*Receipt),
	}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, r *Receipt) (*Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.receipts[r.SettlementID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *r
	m.receipts[r.SettlementID] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) Get(_ context.Context, settlementID string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[settlementID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByRecipient(_ context.Context, identity string, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Receipt
	for _, r := range m.receipts {
		if r.RecipientIdentity == identity {
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
