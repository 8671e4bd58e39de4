package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from attackers rotating source IPs/keys.
	maxTrackedKeys = 4096

	// idleEvictAfter is how long a key may go unused before it is pruned.
	idleEvictAfter = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter is a per-key token bucket with a bounded key set.
// A limiter built with rpm <= 0 allows everything. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewWebhookRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst.
func NewWebhookRateLimiter(rpm, burst int) *WebhookRateLimiter {
	r := &WebhookRateLimiter{entries: make(map[string]*limiterEntry)}
	if rpm > 0 {
		r.limit = rate.Limit(float64(rpm) / 60.0)
		if burst <= 0 {
			burst = 1
		}
		r.burst = burst
	}
	return r
}

// Enabled reports whether the limiter restricts anything.
func (r *WebhookRateLimiter) Enabled() bool { return r.limit > 0 }

// Allow returns true if the key is within rate limits.
// Automatically prunes idle entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	return r.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit clock, for tests.
func (r *WebhookRateLimiter) AllowAt(key string, now time.Time) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= idleEvictAfter {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of keys currently held.
func (r *WebhookRateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
