package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS will_operations (
    key TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    address TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS will_operations_address_idx ON will_operations (address);
CREATE TABLE IF NOT EXISTS will_operations_inflight (
    key TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT operation, address, tx_id, fingerprint, status_code, response, created_at, expires_at
FROM will_operations
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Operation, &rec.Address, &rec.TxID, &rec.Fingerprint,
		&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if time.Now().After(rec.ExpiresAt) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO will_operations (key, operation, address, tx_id, fingerprint, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE
SET operation = EXCLUDED.operation,
    address = EXCLUDED.address,
    tx_id = EXCLUDED.tx_id,
    fingerprint = EXCLUDED.fingerprint,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.Operation, record.Address, record.TxID, record.Fingerprint,
		record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return err
}

// ByAddress lists unexpired operations recorded against an escrow address,
// newest first.
func (p *PostgresStore) ByAddress(ctx context.Context, address string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
SELECT operation, address, tx_id, fingerprint, status_code, response, created_at, expires_at
FROM will_operations
WHERE address = $1 AND expires_at > now()
ORDER BY created_at DESC
`, address)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.Operation, &rec.Address, &rec.TxID, &rec.Fingerprint,
			&rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
		return rec, err
	})
}

// Reserve inserts the in-flight row, replacing it only when it has lapsed.
func (p *PostgresStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO will_operations_inflight (key, expires_at)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE
SET expires_at = EXCLUDED.expires_at
WHERE will_operations_inflight.expires_at < now()
`, key, time.Now().Add(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM will_operations_inflight WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM will_operations WHERE key = $1`, key)
}
