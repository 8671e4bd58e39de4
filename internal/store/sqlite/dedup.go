// Package sqlite is the single-node persistent dedup backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS wecom_dedup (
	key     TEXT PRIMARY KEY,
	seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS wecom_dedup_seen_at_idx ON wecom_dedup(seen_at);`

// DedupStore implements store.DedupStore on a SQLite file.
type DedupStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// Open creates the database file (and its directory) if needed and ensures the table.
func Open(ctx context.Context, path string, ttl time.Duration) (*DedupStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000;", "PRAGMA journal_mode = WAL;", schema} {
		if _, err := db.ExecContext(pctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return &DedupStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Remember inserts key, or revives it when its row has expired. A live row
// leaves nothing to update, so zero affected rows means a duplicate.
func (s *DedupStore) Remember(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	now := s.now()
	cutoff := now.Add(-s.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wecom_dedup (key, seen_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET seen_at = excluded.seen_at
		 WHERE wecom_dedup.seen_at < ?`,
		key, now.UnixMilli(), cutoff)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM wecom_dedup WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dedup: %w", err)
	}
	return res.RowsAffected()
}

func (s *DedupStore) Close() error { return s.db.Close() }
