package settlement

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/skinsettle/internal/pagination"
)

// PostgresStore persists settlements in PostgreSQL. Schema lives in
// migrations/001_settlements.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed settlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const settlementColumns = `settlement_id, state, seller_identity, buyer_identity,
		asset_id, asset_instance_id, offer_id, verify_tx, confirm_tx,
		reason, last_error, deadline, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.SettlementID, string(r.State), r.SellerIdentity, r.BuyerIdentity,
		r.AssetID, r.AssetInstanceID, r.OfferID, r.VerifyTx, r.ConfirmTx,
		r.Reason, r.LastError, r.Deadline, r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateSettlement
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements WHERE settlement_id = $1`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET
			state = $2, offer_id = $3, verify_tx = $4, confirm_tx = $5,
			reason = $6, last_error = $7, updated_at = $8
		WHERE settlement_id = $1`,
		r.SettlementID, string(r.State), r.OfferID, r.VerifyTx, r.ConfirmTx,
		r.Reason, r.LastError, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByIdentity(ctx context.Context, identity string, after *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+settlementColumns+`
			FROM settlements
			WHERE buyer_identity = $1 OR seller_identity = $1
			ORDER BY created_at DESC, settlement_id DESC
			LIMIT $2`, identity, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+settlementColumns+`
			FROM settlements
			WHERE (buyer_identity = $1 OR seller_identity = $1)
			  AND (created_at, settlement_id) < ($2, $3)
			ORDER BY created_at DESC, settlement_id DESC
			LIMIT $4`, identity, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE state = $1
		ORDER BY deadline ASC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
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

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var state string
	err := sc.Scan(
		&r.SettlementID, &state, &r.SellerIdentity, &r.BuyerIdentity,
		&r.AssetID, &r.AssetInstanceID, &r.OfferID, &r.VerifyTx, &r.ConfirmTx,
		&r.Reason, &r.LastError, &r.Deadline, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = State(state)
	r.Deadline = r.Deadline.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
