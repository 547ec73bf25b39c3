package receipts

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists receipts in PostgreSQL. Schema lives in
// migrations/002_receipts.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `settlement_id, asset_id, recipient_identity, signature,
		signed_at, oracle_id, payload_hash, created_at`

// CreateIfAbsent relies on the primary key for first-writer-wins.
func (p *PostgresStore) CreateIfAbsent(ctx context.Context, r *Receipt) (*Receipt, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (settlement_id) DO NOTHING`,
		r.SettlementID, r.AssetID, r.RecipientIdentity, r.Signature,
		r.SignedAt, r.OracleID, r.PayloadHash, r.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := p.Get(ctx, r.SettlementID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, settlementID string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+`
		FROM delivery_receipts WHERE settlement_id = $1`, settlementID)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, identity string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM delivery_receipts
		WHERE recipient_identity = $1
		ORDER BY created_at DESC
		LIMIT $2`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	err := sc.Scan(
		&r.SettlementID, &r.AssetID, &r.RecipientIdentity, &r.Signature,
		&r.SignedAt, &r.OracleID, &r.PayloadHash, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.SignedAt = r.SignedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
