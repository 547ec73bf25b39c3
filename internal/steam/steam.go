// Package steam is the rate-limited client for the Steam inventory and
// trade-offer APIs.
//
// The client owns the daily request quota and the last-known inventory
// snapshots. Every error it returns is a *Error carrying a closed Kind;
// transport and decoding errors never escape unclassified.
package steam

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure at the client boundary.
type Kind int

const (
	// KindTransient covers network errors, 5xx responses and open circuits.
	KindTransient Kind = iota
	// KindPrivate means the inventory is not visible to us. Not retried.
	KindPrivate
	// KindForbidden means the API key or session was refused. Not retried.
	KindForbidden
	// KindRateLimited means the upstream throttled us or the local quota is spent.
	KindRateLimited
	// KindFatal means the request can never succeed as issued. Not retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPrivate:
		return "private"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the client retries errors of this kind.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

var (
	ErrQuotaExhausted = errors.New("steam: daily request quota exhausted")
	ErrPrivate        = errors.New("steam: inventory is private")
	ErrOfferRejected  = errors.New("steam: trade offer rejected")
)

// Error is the only error type returned by Client methods.
type Error struct {
	Kind       Kind
	Op         string // endpoint name, e.g. "inventory"
	Status     int    // HTTP status, 0 when no response was received
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("steam %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("steam %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err. Errors that did not come from this
// package, and context cancellations, report KindTransient.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsKind reports whether err is a steam error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

// Item is one asset in an inventory.
type Item struct {
	AssetID        string `json:"assetId"`
	ClassID        string `json:"classId"`
	InstanceID     string `json:"instanceId"`
	Tradable       bool   `json:"tradable"`
	MarketHashName string `json:"marketHashName,omitempty"`
}

// Snapshot is a full inventory listing for one identity at a point in time.
// Snapshots are replaced wholesale on each successful fetch.
type Snapshot struct {
	Identity  string    `json:"identity"`
	Items     []Item    `json:"items"`
	FetchedAt time.Time `json:"fetchedAt"`
	// Stale is set when the snapshot was served from cache instead of a live fetch.
	Stale bool `json:"stale,omitempty"`
}

// Find returns the item with the given asset ID.
func (s *Snapshot) Find(assetID string) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	for _, it := range s.Items {
		if it.AssetID == assetID {
			return it, true
		}
	}
	return Item{}, false
}

// Contains reports whether the snapshot lists assetID.
func (s *Snapshot) Contains(assetID string) bool {
	_, ok := s.Find(assetID)
	return ok
}

// OfferState is the lifecycle state of a trade offer.
type OfferState string

const (
	OfferActive   OfferState = "active"
	OfferAccepted OfferState = "accepted"
	OfferDeclined OfferState = "declined"
	OfferExpired  OfferState = "expired"
	OfferCanceled OfferState = "canceled"
	OfferInEscrow OfferState = "in_escrow"
	OfferInvalid  OfferState = "invalid"
	OfferUnknown  OfferState = "unknown"
)

// Final reports whether the offer can no longer be accepted.
func (s OfferState) Final() bool {
	switch s {
	case OfferDeclined, OfferExpired, OfferCanceled, OfferInvalid:
		return true
	}
	return false
}

// offerStateFromCode maps ETradeOfferState values.
func offerStateFromCode(code int) OfferState {
	switch code {
	case 1, 8: // Invalid, InvalidItems
		return OfferInvalid
	case 2, 9: // Active, CreatedNeedsConfirmation
		return OfferActive
	case 3:
		return OfferAccepted
	case 4, 7: // Countered, Declined
		return OfferDeclined
	case 5:
		return OfferExpired
	case 6, 10: // Canceled, CanceledBySecondFactor
		return OfferCanceled
	case 11:
		return OfferInEscrow
	default:
		return OfferUnknown
	}
}

// OfferRequest describes a trade offer sending our assets to a partner.
type OfferRequest struct {
	PartnerIdentity string   // steamID64 of the recipient
	Token           string   // recipient's trade offer access token
	AssetIDs        []string // asset instance IDs in the sending inventory
	Message         string
}

// API is the surface consumed by the oracle and the orchestrator.
type API interface {
	FetchInventory(ctx context.Context, identity string) (*Snapshot, error)
	SendOffer(ctx context.Context, req OfferRequest) (string, error)
	GetOfferStatus(ctx context.Context, offerID string) (OfferState, error)
}
