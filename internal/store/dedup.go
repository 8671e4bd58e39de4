// Package store holds the persistent side of callback idempotency. The app
// dialect records every delivery id here so that WeCom retries, including
// ones that land on another gateway replica, are acknowledged but processed once.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/wecomgw/internal/bus"
)

// Defaults for the dedup window.
const (
	DefaultDedupTTL     = 20 * time.Minute
	DefaultDedupMaxKeys = 5000
	DefaultPruneCron    = "*/5 * * * *"
)

// Drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DedupStore remembers delivery ids for a TTL window.
type DedupStore interface {
	// Remember records key and reports whether it was accepted, i.e. not seen
	// within the TTL. Empty keys are always accepted.
	Remember(ctx context.Context, key string) (bool, error)
	// Prune deletes entries last seen before the cutoff and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// MemoryDedup is the single-process DedupStore over bus.DedupeCache.
// Pruning happens inline on insert, so Prune is a no-op.
type MemoryDedup struct {
	cache *bus.DedupeCache
}

// NewMemoryDedup creates an in-memory store.
func NewMemoryDedup(ttl time.Duration, maxKeys int) *MemoryDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if maxKeys <= 0 {
		maxKeys = DefaultDedupMaxKeys
	}
	return &MemoryDedup{cache: bus.NewDedupeCache(ttl, maxKeys)}
}

func (m *MemoryDedup) Remember(_ context.Context, key string) (bool, error) {
	return m.cache.Remember(key), nil
}

func (m *MemoryDedup) Prune(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *MemoryDedup) Close() error { return nil }

// NormalizeDriver maps config spellings onto a driver constant.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return DriverMemory, nil
	case DriverSQLite, "sqlite3":
		return DriverSQLite, nil
	case DriverPostgres, "postgresql", "pg":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unknown database driver %q", driver)
	}
}
