// Package scheduler provides the clock and keyed deferred execution used
// for task retries.
//
// A Scheduler runs at most one callback per key: scheduling a key that is
// already pending replaces the earlier callback, and Cancel guarantees the
// callback will not run afterwards.
package scheduler

import (
	"sync"
	"time"
)

// Clock tells time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Scheduler runs callbacks after a delay, keyed by an id.
type Scheduler interface {
	// Schedule runs fn after delay, replacing any pending callback for key.
	Schedule(key string, delay time.Duration, fn func())

	// Cancel drops the pending callback for key. It reports whether one
	// was pending.
	Cancel(key string) bool

	// Pending reports whether a callback for key is waiting to run.
	Pending(key string) bool

	// Stop cancels everything; later Schedule calls are ignored.
	Stop()
}

// TimerScheduler implements Scheduler with time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*pending
	seq     uint64
	stopped bool
}

type pending struct {
	timer *time.Timer
	gen   uint64
}

// NewTimerScheduler creates a timer-backed scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*pending)}
}

// Schedule runs fn on its own goroutine after delay.
func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.timers[key]; ok {
		p.timer.Stop()
	}
	s.seq++
	gen := s.seq
	p := &pending{gen: gen}
	p.timer = time.AfterFunc(delay, func() {
		// A timer that lost a race with Cancel or a reschedule must not run.
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = p
}

// Cancel drops the pending callback for key.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.timers[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending reports whether key has a callback waiting.
func (s *TimerScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Len returns the number of pending callbacks.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending callbacks.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, key)
	}
}
