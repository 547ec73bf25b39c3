// Package oracle watches recipient inventories for delivered assets.
//
// Each in-flight settlement registers one watch target. A ticker polls the
// recipient's inventory through the rate-limited Steam client; when the
// asset shows up before the deadline the oracle issues a signed delivery
// receipt and drops the target. Targets that outlive their deadline are
// dropped without a receipt.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/skinsettle/internal/receipts"
	"github.com/mbd888/skinsettle/internal/steam"
)

var (
	ErrDuplicateSettlement = errors.New("oracle: settlement already watched")
	ErrInvalidTarget       = errors.New("oracle: invalid watch target")
	ErrTargetMismatch      = errors.New("oracle: request does not match watched target")
)

// TargetState is the lifecycle state of a watch target.
type TargetState string

const (
	StateActive    TargetState = "active"
	StateResolving TargetState = "resolving" // receipt being issued
	StateResolved  TargetState = "resolved"
	StateExpired   TargetState = "expired"
)

// Target is one settlement awaiting delivery. Immutable once added.
type Target struct {
	SettlementID      string    `json:"settlementId"`
	RecipientIdentity string    `json:"recipientIdentity"`
	AssetID           string    `json:"assetId"`
	StartTime         time.Time `json:"startTime"`
	Deadline          time.Time `json:"deadline"`
}

// TargetView is a point-in-time view of a tracked target.
type TargetView struct {
	Target
	State TargetState `json:"state"`
}

// InventoryFetcher is the slice of the Steam client the oracle needs.
type InventoryFetcher interface {
	FetchInventory(ctx context.Context, identity string) (*steam.Snapshot, error)
}

// ReceiptIssuer issues at most one receipt per settlement.
type ReceiptIssuer interface {
	Issue(ctx context.Context, req receipts.IssueRequest) (*receipts.Receipt, bool, error)
	Get(ctx context.Context, settlementID string) (*receipts.Receipt, error)
}

// Listener is told about terminal outcomes. It is never called for a
// target removed through RemoveWatchTarget.
type Listener interface {
	OnDelivered(ctx context.Context, target Target, receipt *receipts.Receipt)
	OnExpired(ctx context.Context, target Target)
}

type nopListener struct{}

func (nopListener) OnDelivered(context.Context, Target, *receipts.Receipt) {}
func (nopListener) OnExpired(context.Context, Target)                      {}
