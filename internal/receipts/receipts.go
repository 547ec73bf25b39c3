// Package receipts issues and stores signed delivery receipts.
//
// A receipt is the oracle's attestation that an asset reached its
// recipient's inventory for a given settlement. At most one receipt exists
// per settlement ID; the first one stored wins.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrInvalidPayload  = errors.New("receipts: invalid payload")
)

// Receipt is an immutable, signed proof of delivery.
type Receipt struct {
	SettlementID      string    `json:"settlementId"`
	AssetID           string    `json:"assetId"`
	RecipientIdentity string    `json:"recipientIdentity"`
	Signature         string    `json:"signature"`   // 0x-prefixed 65-byte secp256k1 signature
	SignedAt          time.Time `json:"signedAt"`    // timestamp embedded in the signed message
	OracleID          string    `json:"oracleId"`    // address of the signing key
	PayloadHash       string    `json:"payloadHash"` // EIP-191 digest that was signed
	CreatedAt         time.Time `json:"createdAt"`
}

// Payload returns the signed payload this receipt attests to.
func (r *Receipt) Payload() Payload {
	return Payload{
		SettlementID:      r.SettlementID,
		AssetID:           r.AssetID,
		RecipientIdentity: r.RecipientIdentity,
		Timestamp:         r.SignedAt,
	}
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	SettlementID      string
	AssetID           string
	RecipientIdentity string
}

// VerifyRequest is the input for verifying a receipt signature.
type VerifyRequest struct {
	SettlementID string `json:"settlementId" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid        bool   `json:"valid"`
	SettlementID string `json:"settlementId"`
	Signer       string `json:"signer,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Store persists receipts keyed by settlement ID.
type Store interface {
	// CreateIfAbsent inserts r unless a receipt for r.SettlementID exists.
	// It returns the stored receipt and whether r was the one inserted.
	CreateIfAbsent(ctx context.Context, r *Receipt) (*Receipt, bool, error)
	Get(ctx context.Context, settlementID string) (*Receipt, error)
	ListByRecipient(ctx context.Context, identity string, limit int) ([]*Receipt, error)
}
