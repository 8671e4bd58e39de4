package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *DedupStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "dedup.db"), time.Minute)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDedupStore_Remember(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	ok, err := s.Remember(ctx, "msg-1")
	if err != nil || !ok {
		t.Fatalf("first Remember = %v, %v; want true", ok, err)
	}
	ok, err = s.Remember(ctx, "msg-1")
	if err != nil || ok {
		t.Fatalf("second Remember = %v, %v; want false", ok, err)
	}
	ok, _ = s.Remember(ctx, "msg-2")
	if !ok {
		t.Fatal("distinct key should be accepted")
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	ok, err = s.Remember(ctx, "msg-1")
	if err != nil || !ok {
		t.Fatalf("expired key Remember = %v, %v; want true", ok, err)
	}
}

func TestDedupStore_EmptyKeyAccepted(t *testing.T) {
	s := openTemp(t)
	for i := 0; i < 2; i++ {
		ok, err := s.Remember(context.Background(), "")
		if err != nil || !ok {
			t.Fatalf("Remember(\"\") = %v, %v", ok, err)
		}
	}
}

func TestDedupStore_Prune(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	s.now = func() time.Time { return base }
	s.Remember(ctx, "old")
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	s.Remember(ctx, "new")

	n, err := s.Prune(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	ok, _ := s.Remember(ctx, "new")
	if ok {
		t.Fatal("surviving key should still dedupe")
	}
}
