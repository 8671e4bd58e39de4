package bus

import (
	"errors"
	"sync"
	"time"
)

// ErrDebouncerStopped is returned by Push after Stop.
var ErrDebouncerStopped = errors.New("bus: debouncer stopped")

type pendingBatch[T any] struct {
	items []T
	timer *time.Timer
	gen   uint64 // bumped on every reset so a stale timer callback is a no-op
}

// InboundDebouncer coalesces items pushed under the same key within a quiet
// window and hands them to onFlush as one batch, in push order.
type InboundDebouncer[T any] struct {
	mu      sync.Mutex
	batches map[string]*pendingBatch[T]
	delay   time.Duration
	onFlush func(key string, items []T)
	stopped bool
}

// NewInboundDebouncer creates a debouncer that flushes delay after the last push for a key.
func NewInboundDebouncer[T any](delay time.Duration, onFlush func(key string, items []T)) *InboundDebouncer[T] {
	if delay < 0 {
		delay = 0
	}
	if onFlush == nil {
		onFlush = func(string, []T) {}
	}
	return &InboundDebouncer[T]{
		batches: make(map[string]*pendingBatch[T]),
		delay:   delay,
		onFlush: onFlush,
	}
}

// Push appends item to the batch for key and restarts its timer.
// It returns the first item of the batch and whether this push opened it.
func (d *InboundDebouncer[T]) Push(key string, item T) (head T, opened bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return item, false, ErrDebouncerStopped
	}

	b, ok := d.batches[key]
	if ok {
		b.items = append(b.items, item)
		b.timer.Stop()
		b.gen++
		b.timer = d.schedule(key, b.gen)
		return b.items[0], false, nil
	}

	b = &pendingBatch[T]{items: []T{item}}
	b.timer = d.schedule(key, b.gen)
	d.batches[key] = b
	return item, true, nil
}

// schedule arms the flush timer. Callers hold d.mu.
func (d *InboundDebouncer[T]) schedule(key string, gen uint64) *time.Timer {
	return time.AfterFunc(d.delay, func() { d.flush(key, gen) })
}

func (d *InboundDebouncer[T]) flush(key string, gen uint64) {
	d.mu.Lock()
	b, ok := d.batches[key]
	if !ok || d.stopped || b.gen != gen {
		d.mu.Unlock()
		return
	}
	b.timer.Stop()
	delete(d.batches, key)
	items := b.items
	d.mu.Unlock()

	d.onFlush(key, items)
}

// Stop cancels every pending timer and drops unflushed batches.
// Flushes already running are not interrupted.
func (d *InboundDebouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, b := range d.batches {
		b.timer.Stop()
		delete(d.batches, key)
	}
}
