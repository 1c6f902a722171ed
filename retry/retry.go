// Package retry computes backoff delays for re-running failed tasks.
//
// The delay for the n-th retry (n counting from zero) is
//
//	min(BaseDelay * 2^n, MaxDelay) + jitter, jitter uniform in [0, MaxJitter)
//
// The jitter keeps many tasks that failed together from retrying in
// lockstep.
package retry

import (
	"math/rand/v2"
	"time"
)

// Policy holds backoff parameters. The zero value is not useful; start
// from DefaultPolicy.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration

	// Jitter returns a value in [0, max). Nil uses math/rand/v2.
	Jitter func(max time.Duration) time.Duration
}

// DefaultPolicy returns the standard 1s base, 30s cap, 1s jitter policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		MaxJitter: time.Second,
	}
}

// BaseTerm returns the deterministic part of the delay for retry n.
// It is non-decreasing in n and never exceeds MaxDelay.
func (p Policy) BaseTerm(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if d >= p.MaxDelay || d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Delay returns BaseTerm(n) plus jitter. The result is bounded by
// MaxDelay + MaxJitter.
func (p Policy) Delay(n int) time.Duration {
	return p.BaseTerm(n) + p.jitter()
}

// MaxTotal is the upper bound on any Delay result.
func (p Policy) MaxTotal() time.Duration {
	return p.MaxDelay + p.MaxJitter
}

func (p Policy) jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	var j time.Duration
	if p.Jitter != nil {
		j = p.Jitter(p.MaxJitter)
	} else {
		j = rand.N(p.MaxJitter)
	}
	if j < 0 {
		j = 0
	}
	if j >= p.MaxJitter {
		j = p.MaxJitter - 1
	}
	return j
}

// NoJitter is a Jitter source that always returns zero.
func NoJitter(time.Duration) time.Duration { return 0 }
