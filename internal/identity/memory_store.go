package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory link store for development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	byWallet map[string]*Link
	bySteam  map[string]string // steamID -> wallet
}

// NewMemoryStore creates a new in-memory link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWallet: make(map[string]*Link),
		bySteam:  make(map[string]string),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, l *Link) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.bySteam[l.SteamID]; ok && w != l.Wallet {
		return nil, ErrAlreadyLinked
	}
	cp := *l
	if prev, ok := m.byWallet[l.Wallet]; ok {
		cp.LinkedAt = prev.LinkedAt
		delete(m.bySteam, prev.SteamID)
	}
	m.byWallet[l.Wallet] = &cp
	m.bySteam[l.SteamID] = l.Wallet
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetByWallet(_ context.Context, wallet string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.byWallet[wallet]
	if !ok {
		return nil, ErrNotLinked
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetBySteamID(_ context.Context, steamID string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.bySteam[steamID]
	if !ok {
		return nil, ErrNotLinked
	}
	cp := *m.byWallet[w]
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
