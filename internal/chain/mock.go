package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/skinsettle/internal/receipts"
)

// MockEscrow is an in-process escrow for development and tests.
// Transaction hashes are deterministic per call and settlement.
type MockEscrow struct {
	mu sync.Mutex

	// injected failures, consumed in order; nil entries succeed
	VerifyErrs  []error
	ConfirmErrs []error
	Paused      bool

	verified  []string
	confirmed map[string]*receipts.Receipt
}

var _ Escrow = (*MockEscrow)(nil)

// NewMockEscrow returns an escrow that accepts every call.
func NewMockEscrow() *MockEscrow {
	return &MockEscrow{confirmed: make(map[string]*receipts.Receipt)}
}

func mockTx(call, settlementID string) string {
	return crypto.Keccak256Hash([]byte(call), []byte(settlementID)).Hex()
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MockEscrow) SubmitOwnershipVerification(ctx context.Context, settlementID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Paused {
		return "", ErrProgramPaused
	}
	if err := pop(&m.VerifyErrs); err != nil {
		return "", &TxError{Op: "verify_ownership", Err: err}
	}
	m.verified = append(m.verified, settlementID)
	return mockTx("verify_ownership", settlementID), nil
}

func (m *MockEscrow) SubmitDeliveryConfirmation(ctx context.Context, settlementID string, r *receipts.Receipt) (string, error) {
	if err := checkReceipt(settlementID, r); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Paused {
		return "", ErrProgramPaused
	}
	if err := pop(&m.ConfirmErrs); err != nil {
		return "", &TxError{Op: "confirm_delivery", Err: err}
	}
	m.confirmed[settlementID] = r
	return mockTx("confirm_delivery", settlementID), nil
}

// Verified lists settlements with a recorded ownership verification.
func (m *MockEscrow) Verified() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.verified...)
}

// Confirmed returns the receipt submitted for a settlement, if any.
func (m *MockEscrow) Confirmed(settlementID string) (*receipts.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.confirmed[settlementID]
	return r, ok
}

// Calls counts successful submissions.
func (m *MockEscrow) Calls() (verify, confirm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.verified), len(m.confirmed)
}

// FailNextConfirm makes the next n delivery confirmations fail with err.
func (m *MockEscrow) FailNextConfirm(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.ConfirmErrs = append(m.ConfirmErrs, err)
	}
}

// FailNextVerify makes the next n ownership verifications fail with err.
func (m *MockEscrow) FailNextVerify(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.VerifyErrs = append(m.VerifyErrs, err)
	}
}

// SetPaused toggles the pause flag.
func (m *MockEscrow) SetPaused(p bool) {
	m.mu.Lock()
	m.Paused = p
	m.mu.Unlock()
}
