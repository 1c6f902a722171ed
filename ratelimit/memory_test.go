package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/scheduler"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Capacity: 10, Window: time.Minute}, true},
		{"zero capacity", Config{Capacity: 0, Window: time.Minute}, false},
		{"negative window", Config{Capacity: 1, Window: -time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestMemoryLimiter_Burst(t *testing.T) {
	clock := scheduler.NewManual(epoch)
	l, err := NewMemoryLimiter(Config{Capacity: 3, Window: 3 * time.Second}, clock)
	if err != nil {
		t.Fatalf("NewMemoryLimiter: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "user-1")
		if err != nil || !d.Allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
		if d.Remaining != 2-i {
			t.Errorf("attempt %d: remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, _ := l.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatal("fourth request should be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", d.RetryAfter)
	}

	// Other keys have their own bucket.
	if d, _ := l.Allow(ctx, "user-2"); !d.Allowed {
		t.Error("user-2 should be allowed")
	}
}

func TestMemoryLimiter_Refill(t *testing.T) {
	clock := scheduler.NewManual(epoch)
	l, _ := NewMemoryLimiter(Config{Capacity: 3, Window: 3 * time.Second}, clock)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Allow(ctx, "k")
	}

	clock.Advance(time.Second)
	d, _ := l.Allow(ctx, "k")
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("after 1s: %+v, want allowed with 0 remaining", d)
	}

	clock.Advance(500 * time.Millisecond)
	d, _ = l.Allow(ctx, "k")
	if d.Allowed {
		t.Fatal("partial interval should not earn a token")
	}
	if d.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", d.RetryAfter)
	}

	clock.Advance(time.Hour)
	d, _ = l.Allow(ctx, "k")
	if !d.Allowed || d.Remaining != 2 {
		t.Errorf("after long idle: %+v, want full bucket minus one", d)
	}
}

func TestMemoryLimiter_Closed(t *testing.T) {
	l, _ := NewMemoryLimiter(Config{Capacity: 1, Window: time.Second}, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if _, err := l.Allow(context.Background(), "k"); err != ErrClosed {
		t.Errorf("Allow after Close = %v, want ErrClosed", err)
	}
}

func TestNewMemoryLimiter_InvalidConfig(t *testing.T) {
	if _, err := NewMemoryLimiter(Config{}, nil); err != ErrInvalidConfig {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

// --- Integration Tests ---

func TestMemoryLimiter_Concurrent(t *testing.T) {
	clock := scheduler.NewManual(epoch)
	l, _ := NewMemoryLimiter(Config{Capacity: 50, Window: time.Minute}, clock)
	defer l.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
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

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}
