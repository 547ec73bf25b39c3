package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/skinsettle/internal/validation"
)

// Resolver maps settlement identities to Steam accounts.
type Resolver struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, now: time.Now, logger: logger.With("component", "identity")}
}

// WithClock replaces the time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// SteamIDForWallet returns the SteamID64 linked to wallet.
func (r *Resolver) SteamIDForWallet(ctx context.Context, wallet string) (string, error) {
	if !validation.IsValidEthAddress(wallet) {
		return "", ErrInvalidIdentity
	}
	l, err := r.store.GetByWallet(ctx, validation.SanitizeAddress(wallet))
	if err != nil {
		return "", err
	}
	return l.SteamID, nil
}

// Resolve accepts either a SteamID64, returned unchanged, or a linked
// wallet address.
func (r *Resolver) Resolve(ctx context.Context, identity string) (string, error) {
	if validation.IsSteamID64(identity) {
		return identity, nil
	}
	return r.SteamIDForWallet(ctx, identity)
}

// Link binds wallet to steamID, replacing any previous link for wallet.
func (r *Resolver) Link(ctx context.Context, req LinkRequest) (*Link, error) {
	errs := validation.Validate(
		validation.Required("wallet", req.Wallet),
		validation.ValidAddress("wallet", req.Wallet),
		validation.Required("steamId", req.SteamID),
		validation.ValidSteamID("steamId", req.SteamID),
		validation.MaxLength("tradeUrl", req.TradeURL, 512),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIdentity, errs.Error())
	}
	now := r.now().UTC()
	wallet := validation.SanitizeAddress(req.Wallet)

	if existing, err := r.store.GetBySteamID(ctx, req.SteamID); err == nil && existing.Wallet != wallet {
		return nil, ErrAlreadyLinked
	} else if err != nil && !errors.Is(err, ErrNotLinked) {
		return nil, fmt.Errorf("identity: lookup %s: %w", req.SteamID, err)
	}

	l, err := r.store.Upsert(ctx, &Link{
		Wallet:    wallet,
		SteamID:   req.SteamID,
		TradeURL:  req.TradeURL,
		LinkedAt:  now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("identity linked", "wallet", l.Wallet, "identity", l.SteamID)
	return l, nil
}

// Lookup returns the link for a wallet or SteamID64.
func (r *Resolver) Lookup(ctx context.Context, identity string) (*Link, error) {
	switch {
	case validation.IsSteamID64(identity):
		return r.store.GetBySteamID(ctx, identity)
	case validation.IsValidEthAddress(identity):
		return r.store.GetByWallet(ctx, validation.SanitizeAddress(identity))
	}
	return nil, ErrInvalidIdentity
}
