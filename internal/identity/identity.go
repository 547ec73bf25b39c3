// Package identity links payer wallets to Steam accounts.
package identity

import (
	"context"
	"errors"
	"net/url"
	"time"
)

var (
	ErrNotLinked       = errors.New("identity: wallet is not linked to a Steam account")
	ErrInvalidIdentity = errors.New("identity: not a SteamID64 or wallet address")
	ErrAlreadyLinked   = errors.New("identity: steam account is linked to another wallet")
)

// Link binds a wallet address to a SteamID64.
type Link struct {
	Wallet    string    `json:"wallet"`
	SteamID   string    `json:"steamId"`
	TradeURL  string    `json:"tradeUrl,omitempty"`
	LinkedAt  time.Time `json:"linkedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LinkRequest is the admin payload for PUT /admin/identities.
type LinkRequest struct {
	Wallet   string `json:"wallet" binding:"required"`
	SteamID  string `json:"steamId" binding:"required"`
	TradeURL string `json:"tradeUrl"`
}

// Store persists wallet links. Wallets are stored lowercased.
type Store interface {
	// Upsert creates or replaces the link for l.Wallet. A SteamID may be
	// linked to at most one wallet.
	Upsert(ctx context.Context, l *Link) (*Link, error)
	GetByWallet(ctx context.Context, wallet string) (*Link, error)
	GetBySteamID(ctx context.Context, steamID string) (*Link, error)
}

// TradeToken extracts the offer access token from the linked trade URL.
func (l *Link) TradeToken() string {
	if l == nil || l.TradeURL == "" {
		return ""
	}
	u, err := url.Parse(l.TradeURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}
