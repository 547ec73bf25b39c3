// Package auth provides API authentication for skinsettle.
//
// Authentication model:
// - Reads (settlements, receipts, identities): no auth required
// - Starting settlements: operator API key
// - Administrative endpoints: X-Admin-Secret header
// - API keys are minted by an administrator for each operator
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/skinsettle/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidOwner  = errors.New("operator name required")
)

const (
	keyPrefix   = "sk_"
	maxOwnerLen = 64
	maxKeyName  = 128
	touchEvery  = time.Minute
)

// APIKey belongs to one operator, the marketplace or bot calling the API.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	Operator  string     `json:"operator"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Active reports whether the key may authenticate at now.
func (k *APIKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByOperator(ctx context.Context, operator string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock sets the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GenerateKey creates a new API key for an operator.
// Returns the raw key (shown once) and the stored metadata.
// A zero ttl never expires.
func (m *Manager) GenerateKey(ctx context.Context, operator, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	operator = strings.ToLower(strings.TrimSpace(operator))
	if operator == "" || len(operator) > maxOwnerLen {
		return "", nil, ErrInvalidOwner
	}
	if len(name) > maxKeyName {
		name = name[:maxKeyName]
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	now := m.now().UTC()
	key = &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Operator:  operator,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	if now.Sub(key.LastUsed) >= touchEvery {
		key.LastUsed = now.UTC()
		_ = m.store.Update(ctx, key)
	}
	return key, nil
}

// ListKeys returns all keys for an operator, newest first.
func (m *Manager) ListKeys(ctx context.Context, operator string) ([]*APIKey, error) {
	return m.store.ListByOperator(ctx, strings.ToLower(strings.TrimSpace(operator)))
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID string) (*APIKey, error) {
	key, err := m.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Revoked {
		return key, nil
	}
	key.Revoked = true
	if err := m.store.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByOperator(ctx context.Context, operator string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.Operator == operator {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}
