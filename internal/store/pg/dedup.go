// Package pg is the shared dedup backend for multi-replica deployments.
// The table is created by the SQL migrations (wecomgw migrate up).
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenDB opens a pgx-backed *sql.DB and pings it.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("WECOMGW_POSTGRES_DSN is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// DedupStore implements store.DedupStore on Postgres.
type DedupStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewDedupStore wraps an open database.
func NewDedupStore(db *sql.DB, ttl time.Duration) *DedupStore {
	return &DedupStore{db: db, ttl: ttl, now: time.Now}
}

// Remember upserts key; an existing row is only refreshed once it has expired,
// so zero affected rows means another delivery holds it.
func (s *DedupStore) Remember(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wecom_dedup (key, seen_at) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET seen_at = EXCLUDED.seen_at
		 WHERE wecom_dedup.seen_at < $3`,
		key, now.UnixMilli(), now.Add(-s.ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("remember %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DedupStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wecom_dedup WHERE seen_at < $1`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return res.RowsAffected()
}

func (s *DedupStore) Close() error { return s.db.Close() }
