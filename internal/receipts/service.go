package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiptsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "receipts",
		Name:      "issued_total",
		Help:      "Delivery receipts signed and stored.",
	})
	receiptsReused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skinsettle",
		Subsystem: "receipts",
		Name:      "reused_total",
		Help:      "Issue calls answered with an already stored receipt.",
	})
)

func init() {
	prometheus.MustRegister(receiptsIssued, receiptsReused)
}

// Service implements receipt business logic.
type Service struct {
	store     Store
	authority *Authority
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new receipt service.
func NewService(store Store, authority *Authority, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		authority: authority,
		now:       time.Now,
		logger:    logger.With("component", "receipts"),
	}
}

// WithClock replaces the time source used for signing timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OracleID returns the address receipts are signed with.
func (s *Service) OracleID() string {
	return s.authority.OracleID()
}

// Issue returns the receipt for req.SettlementID, signing a new one only if
// none is stored yet. created is false when an existing receipt was returned.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, bool, error) {
	if existing, err := s.store.Get(ctx, req.SettlementID); err == nil {
		receiptsReused.Inc()
		return existing, false, nil
	} else if !errors.Is(err, ErrReceiptNotFound) {
		return nil, false, fmt.Errorf("receipts: lookup %s: %w", req.SettlementID, err)
	}

	// The message carries unix seconds, so SignedAt is truncated to match.
	signedAt := time.Unix(s.now().Unix(), 0).UTC()
	payload := Payload{
		SettlementID:      req.SettlementID,
		AssetID:           req.AssetID,
		RecipientIdentity: req.RecipientIdentity,
		Timestamp:         signedAt,
	}
	sig, err := s.authority.Sign(payload)
	if err != nil {
		return nil, false, err
	}

	r := &Receipt{
		SettlementID:      req.SettlementID,
		AssetID:           req.AssetID,
		RecipientIdentity: req.RecipientIdentity,
		Signature:         sig,
		SignedAt:          signedAt,
		OracleID:          s.authority.OracleID(),
		PayloadHash:       hexutil.Encode(payload.Digest()),
		CreatedAt:         s.now().UTC(),
	}

	stored, created, err := s.store.CreateIfAbsent(ctx, r)
	if err != nil {
		return nil, false, fmt.Errorf("receipts: store %s: %w", req.SettlementID, err)
	}
	if created {
		receiptsIssued.Inc()
		s.logger.Info("delivery receipt issued",
			"settlementId", r.SettlementID, "assetId", r.AssetID, "recipient", r.RecipientIdentity)
	} else {
		receiptsReused.Inc()
	}
	return stored, created, nil
}

// Get returns the receipt for a settlement.
func (s *Service) Get(ctx context.Context, settlementID string) (*Receipt, error) {
	return s.store.Get(ctx, settlementID)
}

// ListByRecipient returns receipts delivered to identity, newest first.
func (s *Service) ListByRecipient(ctx context.Context, identity string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByRecipient(ctx, identity, limit)
}

// Verify recovers the signer of a stored receipt and checks it against
// this oracle.
func (s *Service) Verify(ctx context.Context, settlementID string) (*VerifyResponse, error) {
	r, err := s.store.Get(ctx, settlementID)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{SettlementID: settlementID, Error: ErrReceiptNotFound.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{SettlementID: settlementID}
	signer, err := Recover(r.Payload(), r.Signature)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}
	resp.Signer = signer.Hex()
	resp.Valid = signer.Hex() == s.authority.OracleID()
	if !resp.Valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}
