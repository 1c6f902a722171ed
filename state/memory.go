package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore in process memory.
// Used for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	revision uint64
	closed   atomic.Bool
	now      func() time.Time
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]*entry),
		locks: make(map[string]*memoryLock),
		now:   time.Now,
	}
}

// Get retrieves the entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return &KeyValue{
		Key:      key,
		Value:    cloneBytes(e.value),
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Put stores value unconditionally.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(key, value, func(e *entry, ok bool) error { return nil })
}

// Create stores value only if key is absent.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(key, value, func(e *entry, ok bool) error {
		if ok {
			return ErrExists
		}
		return nil
	})
}

// Update stores value only if the stored revision equals rev.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	return s.write(key, value, func(e *entry, ok bool) error {
		if !ok {
			return ErrNotFound
		}
		if e.revision != rev {
			return ErrRevisionMismatch
		}
		return nil
	})
}

func (s *MemoryStore) write(key string, value []byte, check func(*entry, bool) error) (uint64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	if err := check(existing, exists); err != nil {
		return 0, err
	}

	now := s.now()
	s.revision++
	created := now
	if exists {
		created = existing.created
	}
	s.data[key] = &entry{
		value:    cloneBytes(value),
		revision: s.revision,
		created:  created,
		modified: now,
	}
	return s.revision, nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return sortedKeys(keys), nil
}

// Lock acquires a lease on key.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lk := lockKey(key)
	now := s.now()
	if existing, ok := s.locks[lk]; ok {
		if !existing.released.Load() && now.Before(existing.expires) {
			return nil, ErrLockHeld
		}
		existing.released.Store(true)
	}

	lock := &memoryLock{
		store:   s,
		key:     lk,
		ttl:     ttl,
		expires: now.Add(ttl),
	}
	s.locks[lk] = lock
	return lock, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.locks {
		l.released.Store(true)
	}
	s.data = nil
	s.locks = nil
	return nil
}

type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time
	released atomic.Bool
}

func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	now := l.store.now()
	if now.After(l.expires) {
		l.released.Store(true)
		if l.store.locks[l.key] == l {
			delete(l.store.locks, l.key)
		}
		return ErrLockExpired
	}

	l.expires = now.Add(l.ttl)
	return nil
}

func (l *memoryLock) Key() string {
	return l.key
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
