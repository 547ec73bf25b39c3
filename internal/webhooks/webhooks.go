// Package webhooks delivers settlement events to operator endpoints.
//
// Each delivery is a signed JSON POST:
//
//	X-Skinsettle-Event:     settlement.delivered
//	X-Skinsettle-Timestamp: 1777636830
//	X-Skinsettle-Signature: sha256=<hex HMAC-SHA256(secret, timestamp + "." + body)>
package webhooks

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/skinsettle/internal/settlement"
)

var (
	ErrNotFound     = errors.New("webhooks: subscription not found")
	ErrInvalidEvent = errors.New("webhooks: unknown event type")
)

// EventAll subscribes to every settlement event.
const EventAll = "*"

var knownEvents = map[string]bool{EventAll: true}

func init() {
	for _, s := range []settlement.State{
		settlement.StateInitiated, settlement.StateOwnershipVerified, settlement.StateOfferSent,
		settlement.StateMonitoring, settlement.StateDelivered, settlement.StateExpired, settlement.StateFailed,
	} {
		knownEvents["settlement."+string(s)] = true
	}
}

// ValidEvent reports whether name is a subscribable event type.
func ValidEvent(name string) bool {
	return knownEvents[name]
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // HMAC signing key
	Events              []string   `json:"events"`
	Identities          []string   `json:"identities,omitempty"` // buyer or seller filter
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether ev should be delivered to the subscription.
func (s *Subscription) Wants(ev *settlement.Event) bool {
	if !s.Active {
		return false
	}
	matched := false
	for _, e := range s.Events {
		if e == EventAll || e == ev.Type {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(s.Identities) == 0 {
		return true
	}
	if ev.Settlement == nil {
		return false
	}
	for _, id := range s.Identities {
		if strings.EqualFold(id, ev.Settlement.BuyerIdentity) || strings.EqualFold(id, ev.Settlement.SellerIdentity) {
			return true
		}
	}
	return false
}

// Payload is the JSON body POSTed to subscribers.
type Payload struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	Settlement *settlement.Record `json:"settlement"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory implementation for testing and development
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(sub *Subscription) *Subscription {
	cp := *sub
	cp.Events = append([]string(nil), sub.Events...)
	cp.Identities = append([]string(nil), sub.Identities...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	return m.list(false), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return m.list(true), nil
}

func (m *MemoryStore) list(activeOnly bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if activeOnly && !sub.Active {
			continue
		}
		result = append(result, clone(sub))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
