package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists links in PostgreSQL. Schema lives in
// migrations/003_identity_links.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed link store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, l *Link) (*Link, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO identity_links (wallet, steam_id, trade_url, linked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet) DO UPDATE
		SET steam_id = EXCLUDED.steam_id,
		    trade_url = EXCLUDED.trade_url,
		    updated_at = EXCLUDED.updated_at
		RETURNING wallet, steam_id, trade_url, linked_at, updated_at`,
		l.Wallet, l.SteamID, l.TradeURL, l.LinkedAt, l.UpdatedAt,
	)
	out, err := scanLink(row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil, ErrAlreadyLinked
	}
	return out, err
}

func (p *PostgresStore) GetByWallet(ctx context.Context, wallet string) (*Link, error) {
	return p.get(ctx, `WHERE wallet = $1`, wallet)
}

func (p *PostgresStore) GetBySteamID(ctx context.Context, steamID string) (*Link, error) {
	return p.get(ctx, `WHERE steam_id = $1`, steamID)
}

func (p *PostgresStore) get(ctx context.Context, where, arg string) (*Link, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT wallet, steam_id, trade_url, linked_at, updated_at
		FROM identity_links `+where, arg)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotLinked
	}
	return l, err
}

func scanLink(row *sql.Row) (*Link, error) {
	l := &Link{}
	if err := row.Scan(&l.Wallet, &l.SteamID, &l.TradeURL, &l.LinkedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.LinkedAt = l.LinkedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

var _ Store = (*PostgresStore)(nil)
