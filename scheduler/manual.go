package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock and Scheduler driven by Advance. Callbacks run
// synchronously on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	due     map[string]manualEntry
	seq     uint64
	stopped bool
}

type manualEntry struct {
	at  time.Time
	seq uint64
	fn  func()
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, due: make(map[string]manualEntry)}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(key string, delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.seq++
	m.due[key] = manualEntry{at: m.now.Add(delay), seq: m.seq, fn: fn}
}

func (m *Manual) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.due[key]
	delete(m.due, key)
	return ok
}

func (m *Manual) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.due[key]
	return ok
}

// DueIn returns how long until key fires, and whether it is pending.
func (m *Manual) DueIn(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.due[key]
	if !ok {
		return 0, false
	}
	return e.at.Sub(m.now), true
}

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.due = make(map[string]manualEntry)
}

// Advance moves the clock forward by d and runs every callback that
// becomes due. Callbacks may schedule new work; work that falls inside
// the window also runs.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	ran := 0
	for {
		m.mu.Lock()
		key, e, ok := m.nextDue(target)
		if !ok {
			m.now = target
			m.mu.Unlock()
			return ran
		}
		delete(m.due, key)
		if e.at.After(m.now) {
			m.now = e.at
		}
		m.mu.Unlock()

		e.fn()
		ran++
	}
}

// nextDue finds the earliest entry due at or before target.
// Must be called with mu held.
func (m *Manual) nextDue(target time.Time) (string, manualEntry, bool) {
	keys := make([]string, 0, len(m.due))
	for k, e := range m.due {
		if !e.at.After(target) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", manualEntry{}, false
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.due[keys[i]], m.due[keys[j]]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})
	return keys[0], m.due[keys[0]], true
}
