package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/wecomgw/internal/config"
)

func TestNormalizeDriver(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DriverMemory, false},
		{"Memory", DriverMemory, false},
		{"sqlite3", DriverSQLite, false},
		{"pg", DriverPostgres, false},
		{"postgresql", DriverPostgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDriver(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMemoryDedup(t *testing.T) {
	m := NewMemoryDedup(0, 0)
	ctx := context.Background()
	if ok, _ := m.Remember(ctx, "a"); !ok {
		t.Fatal("first delivery rejected")
	}
	if ok, _ := m.Remember(ctx, "a"); ok {
		t.Fatal("retry accepted")
	}
	if ok, _ := m.Remember(ctx, ""); !ok {
		t.Fatal("empty key rejected")
	}
}

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.db")
	s, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if ok, err := s.Remember(context.Background(), "k"); err != nil || !ok {
		t.Fatalf("Remember = %v, %v", ok, err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewPruneScheduler(t *testing.T) {
	if _, err := NewPruneScheduler(NewMemoryDedup(0, 0), "not a cron", 0); err == nil {
		t.Fatal("expected invalid cron error")
	}
	p, err := NewPruneScheduler(NewMemoryDedup(0, 0), "", 0)
	if err != nil {
		t.Fatalf("default cron: %v", err)
	}
	p.Start(context.Background())
	p.RunOnce(context.Background())
	p.Stop()
}
