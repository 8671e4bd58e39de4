package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/store/pg"
	"github.com/nextlevelbuilder/wecomgw/internal/store/sqlite"
)

var (
	_ DedupStore = (*MemoryDedup)(nil)
	_ DedupStore = (*sqlite.DedupStore)(nil)
	_ DedupStore = (*pg.DedupStore)(nil)
)

// DefaultSQLitePath is ~/.wecomgw/dedup.db.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".wecomgw", "dedup.db")
	}
	return filepath.Join(home, ".wecomgw", "dedup.db")
}

// Open builds the DedupStore selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (DedupStore, error) {
	driver, err := NormalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath()
		}
		s, err := sqlite.Open(ctx, config.ExpandHome(path), DefaultDedupTTL)
		if err != nil {
			return nil, err
		}
		slog.Info("dedup store: sqlite", "path", path)
		return s, nil
	case DriverPostgres:
		db, err := pg.OpenDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		status, err := pg.CheckSchema(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := status.Err(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w\n%s", err, pg.FormatError(status))
		}
		slog.Info("dedup store: postgres", "schema", status.CurrentVersion)
		return pg.NewDedupStore(db, DefaultDedupTTL), nil
	default:
		return NewMemoryDedup(DefaultDedupTTL, DefaultDedupMaxKeys), nil
	}
}
