package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/taskmesh/scheduler"
)

// bucket is a token bucket for one key.
type bucket struct {
	available  int
	lastRefill time.Time
}

// refill adds the tokens earned since the last refill. Partial tokens
// carry over by advancing lastRefill only by whole intervals.
func (b *bucket) refill(cfg Config, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	step := cfg.interval()
	if step <= 0 {
		b.available = cfg.Capacity
		b.lastRefill = now
		return
	}
	earned := int(elapsed / step)
	if earned == 0 {
		return
	}
	b.available = min(cfg.Capacity, b.available+earned)
	if b.available == cfg.Capacity {
		b.lastRefill = now
	} else {
		b.lastRefill = b.lastRefill.Add(time.Duration(earned) * step)
	}
}

// MemoryLimiter is a per-process token bucket limiter.
// It is safe for concurrent use.
type MemoryLimiter struct {
	cfg   Config
	clock scheduler.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	closed  bool
}

// NewMemoryLimiter creates a limiter. clock may be nil for the system
// clock.
func NewMemoryLimiter(cfg Config, clock scheduler.Clock) (*MemoryLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &MemoryLimiter{
		cfg:     cfg,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}, nil
}

// Allow implements Limiter. Buckets start full.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Decision{}, ErrClosed
	}
	now := m.clock.Now()

	m.calls++
	if m.calls%1024 == 0 {
		m.prune(now)
	}

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{available: m.cfg.Capacity, lastRefill: now}
		m.buckets[key] = b
	}
	b.refill(m.cfg, now)

	if b.available > 0 {
		b.available--
		return Decision{Allowed: true, Remaining: b.available}, nil
	}
	wait := b.lastRefill.Add(m.cfg.interval()).Sub(now)
	return Decision{RetryAfter: max(wait, 0)}, nil
}

// prune drops buckets that have refilled completely; they are
// indistinguishable from new ones.
func (m *MemoryLimiter) prune(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastRefill) >= m.cfg.Window {
			delete(m.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = nil
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
