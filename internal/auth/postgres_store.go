package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, operator, name, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, operator, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Operator, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// Get retrieves an API key by id
func (p *PostgresStore) Get(ctx context.Context, id string) (*APIKey, error) {
	return scanKey(p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
}

// GetByHash retrieves an API key by its hash. Expiry and revocation are
// checked by the Manager so they follow its clock.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return scanKey(p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash))
}

// ListByOperator retrieves all API keys for an operator
func (p *PostgresStore) ListByOperator(ctx context.Context, operator string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE operator = $1 ORDER BY created_at DESC, id DESC
	`, operator)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (*APIKey, error) {
	key := &APIKey{}
	var expiresAt, lastUsed sql.NullTime
	err := row.Scan(
		&key.ID, &key.Hash, &key.Operator, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	key.CreatedAt = key.CreatedAt.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		key.ExpiresAt = &t
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time.UTC()
	}
	return key, nil
}
