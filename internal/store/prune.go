package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// PruneScheduler deletes expired dedup rows on a cron schedule.
type PruneScheduler struct {
	store DedupStore
	expr  string
	ttl   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruneScheduler validates expr (five-field cron) and returns a stopped scheduler.
func NewPruneScheduler(s DedupStore, expr string, ttl time.Duration) (*PruneScheduler, error) {
	if expr == "" {
		expr = DefaultPruneCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid prune cron %q", expr)
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &PruneScheduler{store: s, expr: expr, ttl: ttl}, nil
}

// Start runs the schedule until Stop or ctx is done.
func (p *PruneScheduler) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			next, err := gronx.NextTick(p.expr, false)
			if err != nil {
				slog.Error("dedup prune: next tick", "cron", p.expr, "error", err)
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			p.RunOnce(ctx)
		}
	}()
}

// RunOnce prunes rows older than the TTL.
func (p *PruneScheduler) RunOnce(ctx context.Context) {
	n, err := p.store.Prune(ctx, time.Now().Add(-p.ttl))
	if err != nil {
		slog.Warn("dedup prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("dedup pruned", "rows", n)
	}
}

// Stop halts the schedule and waits for an in-flight prune.
func (p *PruneScheduler) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
