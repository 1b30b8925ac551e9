package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps watermarks in a tracker_checkpoints table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("checkpoint: database url is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect: %w", err)
	}
	s, err := NewPostgresStoreWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithPool reuses an existing pool.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("checkpoint: pool is required")
	}
	if err := ensureTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("checkpoint: schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func ensureTable(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tracker_checkpoints (
  service text NOT NULL,
  kind text NOT NULL,
  scope text NOT NULL,
  created timestamptz NOT NULL,
  delivered bigint NOT NULL DEFAULT 0,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (service, kind, scope)
);
`
	_, err := pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Watermark, error) {
	wm := Watermark{Key: key}
	var delivered int64
	err := s.pool.QueryRow(ctx,
		`SELECT created, delivered, updated_at FROM tracker_checkpoints WHERE service=$1 AND kind=$2 AND scope=$3`,
		key.Service, string(key.Kind), key.Scope).Scan(&wm.Created, &delivered, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: get: %w", err)
	}
	wm.Created = wm.Created.UTC()
	wm.Delivered = int(delivered)
	return &wm, nil
}

func (s *PostgresStore) Put(ctx context.Context, wm Watermark) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tracker_checkpoints (service, kind, scope, created, delivered)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (service, kind, scope) DO UPDATE
SET created = EXCLUDED.created, delivered = EXCLUDED.delivered, updated_at = now()
WHERE tracker_checkpoints.created <= EXCLUDED.created`,
		wm.Key.Service, string(wm.Key.Kind), wm.Key.Scope, wm.Created.UTC(), int64(wm.Delivered))
	if err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
