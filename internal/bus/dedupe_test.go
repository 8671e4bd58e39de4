package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCache_CheckAt(t *testing.T) {
	c := NewDedupeCache(time.Minute, 100)
	base := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name string
		key  string
		at   time.Time
		want bool
	}{
		{"first sighting", "msg-1", base, false},
		{"retry inside ttl", "msg-1", base.Add(30 * time.Second), true},
		{"other key", "msg-2", base.Add(31 * time.Second), false},
		{"still inside ttl after touch", "msg-1", base.Add(80 * time.Second), true},
		{"after ttl", "msg-1", base.Add(3 * time.Minute), false},
		{"empty key never duplicate", "", base, false},
		{"empty key again", "", base, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CheckAt(tt.key, tt.at); got != tt.want {
				t.Errorf("CheckAt(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestDedupeCache_Remember(t *testing.T) {
	c := NewDedupeCache(20*time.Minute, 5000)
	if !c.Remember("a") {
		t.Fatal("first Remember should accept")
	}
	if c.Remember("a") {
		t.Fatal("second Remember should reject")
	}
}

func TestDedupeCache_RetryRejectedPastMaxSize(t *testing.T) {
	c := NewDedupeCache(20*time.Minute, 5000)
	base := time.Unix(1_700_000_000, 0)
	if c.CheckAt("msg-0", base) {
		t.Fatal("first sighting reported as duplicate")
	}
	for i := 1; i <= 5000; i++ {
		c.CheckAt(fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Millisecond))
	}
	if !c.CheckAt("msg-0", base.Add(time.Minute)) {
		t.Error("retry inside the TTL was accepted after the cache filled up")
	}
	if len(c.seen) != 5001 {
		t.Errorf("tracked %d keys, want 5001 (live keys are kept)", len(c.seen))
	}
}

func TestDedupeCache_MaxSizeSweepsExpired(t *testing.T) {
	c := NewDedupeCache(time.Minute, 3)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		c.CheckAt(fmt.Sprintf("k%d", i), base)
	}
	if len(c.seen) != 3 {
		t.Fatalf("tracked %d keys, want 3 while at the cap", len(c.seen))
	}
	c.CheckAt("k3", base.Add(2*time.Minute))
	if len(c.seen) != 1 {
		t.Errorf("tracked %d keys, want 1 after the expired sweep", len(c.seen))
	}
}

func TestDedupeCache_NoTTLEvictsOldest(t *testing.T) {
	c := NewDedupeCache(0, 3)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		c.CheckAt(fmt.Sprintf("k%d", i), base.Add(time.Duration(i)*time.Second))
	}
	if len(c.seen) != 3 {
		t.Fatalf("tracked %d keys, want 3", len(c.seen))
	}
	if c.CheckAt("k0", base.Add(10*time.Second)) {
		t.Error("oldest key should have been evicted")
	}
	if !c.CheckAt("k4", base.Add(11*time.Second)) {
		t.Error("newest key should still be tracked")
	}
}

func TestDedupeCache_PrunesExpiredOnInsert(t *testing.T) {
	c := NewDedupeCache(time.Second, 0)
	base := time.Unix(1_700_000_000, 0)
	c.CheckAt("old", base)
	c.CheckAt("new", base.Add(5*time.Second))
	if len(c.seen) != 1 {
		t.Errorf("tracked %d keys, want 1 after prune", len(c.seen))
	}
}
