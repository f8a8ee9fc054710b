package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)
var _ Purger = (*SQLiteStore)(nil)

// SQLiteStore keeps reservations in a SQLite database. Reservation is a
// single conditional upsert, so it is atomic across processes sharing the
// database file.
type SQLiteStore struct {
	db *sql.DB

	now func() time.Time
}

// NewSQLiteStore opens the database at dsn and creates the replay table if
// needed.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS replay (
			jti        TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS replay_expires_at ON replay (expires_at);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing replay schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) TryReserve(ctx context.Context, jti string, ttl time.Duration) error {
	if err := checkArgs(jti, ttl); err != nil {
		return err
	}
	now := s.now()

	// an expired row is taken over, a live one is left alone and no row
	// changes.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replay (jti, expires_at) VALUES (?1, ?2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = excluded.expires_at
		WHERE replay.expires_at <= ?3`,
		jti, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("reserving jti: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserving jti: %w", err)
	}
	if n == 0 {
		return ErrAlreadyPresent
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay WHERE expires_at <= ?1`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging replay records: %w", err)
	}
	return res.RowsAffected()
}
