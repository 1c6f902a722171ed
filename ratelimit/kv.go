package ratelimit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/state"
)

// KeyPrefix namespaces limiter counters in the state store.
const KeyPrefix = "ratelimit"

// maxCASAttempts bounds the read-increment-write loop on one counter.
const maxCASAttempts = 16

// KVLimiter counts requests in fixed windows stored in a StateStore, so
// every daemon sharing the store enforces one limit. Counters are
// updated with compare-and-swap.
type KVLimiter struct {
	cfg   Config
	name  string
	store state.StateStore
	clock scheduler.Clock

	closed atomic.Bool
}

// NewKVLimiter creates a limiter whose counters live under
// "ratelimit.<name>". clock may be nil for the system clock.
func NewKVLimiter(store state.StateStore, name string, cfg Config, clock scheduler.Clock) (*KVLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || state.ValidateKey(name) != nil {
		return nil, ErrInvalidConfig
	}
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &KVLimiter{cfg: cfg, name: name, store: store, clock: clock}, nil
}

// counterKey hex-encodes key so any user id forms a valid store key.
func (l *KVLimiter) counterKey(key string, window int64) string {
	return fmt.Sprintf("%s.%s.%s.%d", KeyPrefix, l.name, hex.EncodeToString([]byte(key)), window)
}

// Allow implements Limiter.
func (l *KVLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.closed.Load() {
		return Decision{}, ErrClosed
	}
	if key == "" {
		key = "-"
	}
	now := l.clock.Now()
	window := now.UnixNano() / int64(l.cfg.Window)
	ck := l.counterKey(key, window)
	retryAfter := time.Unix(0, (window+1)*int64(l.cfg.Window)).Sub(now)

	for range maxCASAttempts {
		kv, err := l.store.Get(ctx, ck)
		if errors.Is(err, state.ErrNotFound) {
			if _, err := l.store.Create(ctx, ck, []byte("1")); err != nil {
				if errors.Is(err, state.ErrExists) {
					continue
				}
				return Decision{}, fmt.Errorf("create counter: %w", err)
			}
			// The previous window's counter is no longer read.
			_ = l.store.Delete(ctx, l.counterKey(key, window-1))
			return Decision{Allowed: true, Remaining: l.cfg.Capacity - 1}, nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("read counter: %w", err)
		}

		count, err := strconv.Atoi(string(kv.Value))
		if err != nil {
			return Decision{}, fmt.Errorf("corrupt counter %s: %w", ck, err)
		}
		if count >= l.cfg.Capacity {
			return Decision{RetryAfter: retryAfter}, nil
		}
		if _, err := l.store.Update(ctx, ck, []byte(strconv.Itoa(count+1)), kv.Revision); err != nil {
			if errors.Is(err, state.ErrRevisionMismatch) || errors.Is(err, state.ErrNotFound) {
				continue
			}
			return Decision{}, fmt.Errorf("update counter: %w", err)
		}
		return Decision{Allowed: true, Remaining: l.cfg.Capacity - count - 1}, nil
	}
	return Decision{}, fmt.Errorf("counter %s: too much contention", ck)
}

// Close marks the limiter closed. The store is left open.
func (l *KVLimiter) Close() error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

var _ Limiter = (*KVLimiter)(nil)
