// Package chain submits settlement steps to the on-chain escrow program.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/skinsettle/internal/receipts"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidContract   = errors.New("chain: invalid escrow contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrProgramPaused     = errors.New("chain: escrow program is paused")
	ErrInvalidReceipt    = errors.New("chain: invalid delivery receipt")
)

// TxError wraps submission failures with the step and tx hash if one was sent.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Escrow is the slice of the escrow program the orchestrator drives.
// Both calls return the transaction hash once the transaction is mined.
type Escrow interface {
	SubmitOwnershipVerification(ctx context.Context, settlementID string) (string, error)
	SubmitDeliveryConfirmation(ctx context.Context, settlementID string, receipt *receipts.Receipt) (string, error)
}

// SettlementKey maps a settlement id to the bytes32 key the program
// indexes escrows by.
func SettlementKey(settlementID string) common.Hash {
	return crypto.Keccak256Hash([]byte(settlementID))
}

func checkReceipt(settlementID string, r *receipts.Receipt) error {
	if r == nil {
		return fmt.Errorf("%w: missing", ErrInvalidReceipt)
	}
	if r.SettlementID != settlementID {
		return fmt.Errorf("%w: receipt is for %s", ErrInvalidReceipt, r.SettlementID)
	}
	if r.Signature == "" || r.SignedAt.IsZero() {
		return fmt.Errorf("%w: unsigned", ErrInvalidReceipt)
	}
	return nil
}
