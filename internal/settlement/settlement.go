// Package settlement reconciles escrowed Steam item trades.
//
// Flow:
//  1. Seller ownership checked against their live inventory
//  2. Ownership verification submitted to the escrow program
//  3. Trade offer sent to the buyer
//  4. Buyer inventory watched by the oracle until the deadline
//  5. Delivery receipt submitted to the escrow program → Delivered
//  6. Deadline passes → Expired; the escrow program refunds on its own
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/skinsettle/internal/pagination"
	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/steam"
)

var (
	ErrNotFound            = errors.New("settlement: not found")
	ErrDuplicateSettlement = errors.New("settlement: already exists")
	ErrInvalidRequest      = errors.New("settlement: invalid request")
	ErrInvalidDeadline     = errors.New("settlement: deadline out of range")
	ErrInvalidTransition   = errors.New("settlement: invalid state transition")
	ErrNotMonitoring       = errors.New("settlement: not awaiting delivery")
)

// State is the lifecycle state of a settlement.
type State string

const (
	StateInitiated         State = "initiated"
	StateOwnershipVerified State = "ownership_verified"
	StateOfferSent         State = "offer_sent"
	StateMonitoring        State = "monitoring"
	StateDelivered         State = "delivered"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// Rejection and failure reasons surfaced to callers.
const (
	ReasonOwnership       = "ownership verification failed"
	ReasonOnChain         = "on-chain verification failed"
	ReasonOffer           = "trade offer failed"
	ReasonMonitoring      = "delivery monitoring failed"
	ReasonInterrupted     = "interrupted"
	ReasonConfirmDeadline = "delivery confirmation missed deadline"
	ReasonDeadline        = "delivery deadline passed"
)

var transitions = map[State][]State{
	StateInitiated:         {StateOwnershipVerified, StateFailed},
	StateOwnershipVerified: {StateOfferSent, StateFailed},
	StateOfferSent:         {StateMonitoring, StateExpired, StateFailed},
	StateMonitoring:        {StateMonitoring, StateDelivered, StateExpired, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateExpired, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is the persisted state of one settlement.
type Record struct {
	SettlementID    string    `json:"settlementId"`
	State           State     `json:"state"`
	SellerIdentity  string    `json:"sellerIdentity"`
	BuyerIdentity   string    `json:"buyerIdentity"`
	AssetID         string    `json:"assetId"`
	AssetInstanceID string    `json:"assetInstanceId"`
	OfferID         string    `json:"offerId,omitempty"`
	VerifyTx        string    `json:"verifyTx,omitempty"`
	ConfirmTx       string    `json:"confirmTx,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	Deadline        time.Time `json:"deadline"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// StartRequest contains the parameters for starting a settlement.
// Identities may be SteamID64s or linked wallet addresses.
type StartRequest struct {
	SettlementID    string `json:"settlementId" binding:"required"`
	SellerIdentity  string `json:"sellerIdentity" binding:"required"`
	BuyerIdentity   string `json:"buyerIdentity" binding:"required"`
	BuyerToken      string `json:"buyerToken"`
	AssetID         string `json:"assetId" binding:"required"`
	AssetInstanceID string `json:"assetInstanceId"`
	DeadlineSeconds int64  `json:"deadlineSeconds"` // offset from now; 0 uses the default
	Message         string `json:"message"`
}

// StartResult is accepted, or rejected with a reason.
type StartResult struct {
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
	Record   *Record `json:"settlement"`
}

// Page is one page of a listing.
type Page struct {
	Settlements []*Record `json:"settlements"`
	NextCursor  string    `json:"nextCursor,omitempty"`
	HasMore     bool      `json:"hasMore"`
}

// Store persists settlement records.
type Store interface {
	// Create fails with ErrDuplicateSettlement if the id exists.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	// ListByIdentity returns records where identity is buyer or seller,
	// newest first, strictly after the cursor position.
	ListByIdentity(ctx context.Context, identity string, after *pagination.Cursor, limit int) ([]*Record, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Record, error)
}

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// SteamAPI is the slice of the Steam client settlements use.
type SteamAPI interface {
	FetchInventory(ctx context.Context, identity string) (*steam.Snapshot, error)
	SendOffer(ctx context.Context, req steam.OfferRequest) (string, error)
	GetOfferStatus(ctx context.Context, offerID string) (steam.OfferState, error)
}

// Oracle watches buyer inventories for delivery.
type Oracle interface {
	AddWatchTarget(settlementID, recipient, assetID string, deadline time.Time) error
	RemoveWatchTarget(settlementID string)
	Watching(settlementID string) bool
	VerifyNow(ctx context.Context, recipient, assetID, settlementID string) (string, bool, error)
}

// ReceiptReader reads stored delivery receipts.
type ReceiptReader interface {
	Get(ctx context.Context, settlementID string) (*receipts.Receipt, error)
}

// IdentityResolver maps wallet addresses to SteamID64s.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity string) (string, error)
}

// Event is published on every state change.
type Event struct {
	Type       string    `json:"type"` // "settlement.<state>"
	Settlement *Record   `json:"settlement"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier receives settlement events. Implementations must not block.
type Notifier interface {
	NotifySettlement(ctx context.Context, ev Event)
}
