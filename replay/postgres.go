package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)
var _ Purger = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS oidc_replay (
	jti        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS oidc_replay_expires_at ON oidc_replay (expires_at);
`

// PostgresStore keeps reservations in PostgreSQL. Concurrent reservations of
// the same jti are serialized by the primary key.
type PostgresStore struct {
	pool *pgxpool.Pool

	now func() time.Time
}

// NewPostgresStore uses pool for reservations, creating the replay table if
// needed. The caller owns the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("initializing replay schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// OpenPostgresStore connects to dsn and returns a store that owns the
// connection pool.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) TryReserve(ctx context.Context, jti string, ttl time.Duration) error {
	if err := checkArgs(jti, ttl); err != nil {
		return err
	}
	now := s.now()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO oidc_replay (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE oidc_replay.expires_at <= $3`,
		jti, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("reserving jti: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyPresent
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oidc_replay WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging replay records: %w", err)
	}
	return tag.RowsAffected(), nil
}
