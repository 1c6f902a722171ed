package ratelimit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/state"
)

func newKVLimiter(t *testing.T, capacity int) (*KVLimiter, *state.MemoryStore, *scheduler.Manual) {
	t.Helper()
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	clock := scheduler.NewManual(epoch)
	l, err := NewKVLimiter(store, "tasks", Config{Capacity: capacity, Window: time.Minute}, clock)
	if err != nil {
		t.Fatalf("NewKVLimiter: %v", err)
	}
	return l, store, clock
}

// --- Unit Tests ---

func TestNewKVLimiter_Invalid(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	cfg := Config{Capacity: 1, Window: time.Second}

	tests := []struct {
		name  string
		store state.StateStore
		lname string
		cfg   Config
	}{
		{"nil store", nil, "tasks", cfg},
		{"bad name", store, "bad name", cfg},
		{"bad config", store, "tasks", Config{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewKVLimiter(tt.store, tt.lname, tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestKVLimiter_Window(t *testing.T) {
	l, _, clock := newKVLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "user@example.com")
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
		if d.Remaining != 1-i {
			t.Errorf("attempt %d: remaining = %d, want %d", i+1, d.Remaining, 1-i)
		}
	}

	clock.Advance(15 * time.Second)
	d, err := l.Allow(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("third request in window should be rejected")
	}
	if d.RetryAfter != 45*time.Second {
		t.Errorf("RetryAfter = %v, want 45s", d.RetryAfter)
	}

	clock.Advance(45 * time.Second)
	if d, _ := l.Allow(ctx, "user@example.com"); !d.Allowed {
		t.Error("next window should admit")
	}
}

func TestKVLimiter_PrunesPreviousWindow(t *testing.T) {
	l, store, clock := newKVLimiter(t, 5)
	ctx := context.Background()

	l.Allow(ctx, "u1")
	clock.Advance(time.Minute)
	l.Allow(ctx, "u1")

	keys, err := store.Keys(ctx, KeyPrefix+".tasks.*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want one live counter", keys)
	}
	if err := state.ValidateKey(keys[0]); err != nil {
		t.Errorf("counter key %q invalid: %v", keys[0], err)
	}
	if strings.Contains(keys[0], "u1") {
		t.Errorf("counter key %q should be hex-encoded", keys[0])
	}
}

func TestKVLimiter_Closed(t *testing.T) {
	l, _, _ := newKVLimiter(t, 1)
	l.Close()
	if _, err := l.Allow(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Allow after Close = %v, want ErrClosed", err)
	}
	if err := l.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

// --- Integration Tests ---

func TestKVLimiter_SharedStore(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	clock := scheduler.NewManual(epoch)
	cfg := Config{Capacity: 10, Window: time.Minute}

	a, _ := NewKVLimiter(store, "tasks", cfg, clock)
	b, _ := NewKVLimiter(store, "tasks", cfg, clock)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "shared")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10 across both limiters", allowed)
	}
}
