package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers message ids for a TTL window so provider retries are
// processed once. Safe for concurrent use.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key -> last seen
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache creates a cache. ttl <= 0 means entries never expire and
// maxSize caps the key count; with a TTL, maxSize is a soft bound (see prune).
// maxSize <= 0 means no bound.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Remember records key and reports whether it was accepted (not seen within the TTL).
func (c *DedupeCache) Remember(key string) bool {
	return !c.CheckAt(key, time.Now())
}

// CheckAt reports whether key was seen within the TTL at now and records it
// either way. Empty keys are never duplicates.
func (c *DedupeCache) CheckAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seen[key]; ok && c.live(last, now) {
		c.seen[key] = now
		return true
	}

	c.seen[key] = now
	c.prune(now)
	return false
}

func (c *DedupeCache) live(last, now time.Time) bool {
	return c.ttl <= 0 || now.Sub(last) < c.ttl
}

// prune drops expired keys. With a TTL, live keys are never evicted: the
// cache grows past maxSize rather than forget a retry inside its window, and
// maxSize only decides how often the sweep runs. Without a TTL the oldest
// keys go once over maxSize. Callers hold c.mu.
func (c *DedupeCache) prune(now time.Time) {
	if c.ttl > 0 {
		if c.maxSize > 0 && len(c.seen) <= c.maxSize {
			return
		}
		for k, last := range c.seen {
			if !c.live(last, now) {
				delete(c.seen, k)
			}
		}
		return
	}
	if c.maxSize <= 0 {
		return
	}
	for len(c.seen) > c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, last := range c.seen {
			if oldestKey == "" || last.Before(oldest) {
				oldestKey, oldest = k, last
			}
		}
		delete(c.seen, oldestKey)
	}
}
