package retry

import (
	"testing"
	"time"
)

func TestBaseTerm(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.BaseTerm(tt.n); got != tt.want {
			t.Errorf("BaseTerm(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBaseTermNonDecreasing(t *testing.T) {
	p := DefaultPolicy()
	prev := time.Duration(0)
	for n := 0; n < 200; n++ {
		d := p.BaseTerm(n)
		if d < prev {
			t.Fatalf("BaseTerm(%d) = %v < BaseTerm(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestDelayBounded(t *testing.T) {
	p := DefaultPolicy()
	for n := 0; n < 64; n++ {
		for i := 0; i < 20; i++ {
			d := p.Delay(n)
			if d < p.BaseTerm(n) {
				t.Fatalf("Delay(%d) = %v below base term", n, d)
			}
			if d >= p.MaxTotal() {
				t.Fatalf("Delay(%d) = %v exceeds %v", n, d, p.MaxTotal())
			}
		}
	}
}

func TestDelayInjectedJitter(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = func(max time.Duration) time.Duration { return 250 * time.Millisecond }
	if got := p.Delay(1); got != 2250*time.Millisecond {
		t.Errorf("Delay(1) = %v", got)
	}

	p.Jitter = NoJitter
	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v", got)
	}

	// Out-of-range jitter is clamped.
	p.Jitter = func(max time.Duration) time.Duration { return 5 * max }
	if got := p.Delay(0); got >= p.BaseTerm(0)+p.MaxJitter {
		t.Errorf("clamped Delay(0) = %v", got)
	}
}

func TestZeroJitter(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	if got := p.Delay(3); got != 80*time.Millisecond {
		t.Errorf("Delay(3) = %v", got)
	}
}
