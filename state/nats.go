package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore on a NATS JetStream key-value bucket.
// Revisions are the bucket's stream sequence numbers.
type NATSStore struct {
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV call when ctx carries no deadline.
	// Default: 5s
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskmesh",
		History:      1,
		MaxValueSize: 1024 * 1024,
		Timeout:      5 * time.Second,
	}
}

// NewNATSStore opens (creating if needed) the configured KV bucket.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &NATSStore{
		js:     js,
		kv:     kv,
		config: cfg,
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves the entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KeyValue{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
		Modified: entry.Created(),
	}, nil
}

// Put stores value unconditionally.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create stores value only if key is absent.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update stores value only if the stored revision equals rev.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	newRev, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if isWrongSequence(err) {
			if _, gerr := s.kv.Get(ctx, key); errors.Is(gerr, jetstream.ErrKeyNotFound) || errors.Is(gerr, jetstream.ErrKeyDeleted) {
				return 0, ErrNotFound
			}
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return newRev, nil
}

// isWrongSequence reports a JetStream "wrong last sequence" rejection,
// which is how the server signals a failed compare-and-swap.
func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists) || strings.Contains(err.Error(), "wrong last sequence")
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 2*s.config.Timeout)
	defer cancel()

	lister, err := s.kv.ListKeysFiltered(ctx, natsFilter(pattern))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	keys := make([]string, 0)
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	return sortedKeys(keys), nil
}

// natsFilter converts a trailing-* pattern into a KV subject filter.
// The filter may be broader than the pattern; callers re-check with
// MatchPattern.
func natsFilter(pattern string) string {
	if pattern == "*" || pattern == "" {
		return ">"
	}
	if !strings.HasSuffix(pattern, "*") {
		return pattern
	}
	prefix := strings.TrimSuffix(pattern, "*")
	if strings.HasSuffix(prefix, ".") {
		return prefix + ">"
	}
	if i := strings.LastIndex(prefix, "."); i >= 0 {
		return prefix[:i+1] + ">"
	}
	return ">"
}

type lockRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// Lock acquires a lease on key. The lease is a KV entry holding its expiry;
// takeover of an expired lease is a revision-checked update so only one
// contender wins.
func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	if err := ValidateTTL(ttl); err != nil {
		return nil, err
	}

	lk := lockKey(key)
	owner := fmt.Sprintf("%p-%d", s, time.Now().UnixNano())
	rec, _ := json.Marshal(lockRecord{Owner: owner, Expires: time.Now().Add(ttl)})

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, lk, rec)
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		entry, gerr := s.kv.Get(ctx, lk)
		if gerr != nil {
			return nil, ErrLockHeld
		}
		var held lockRecord
		if json.Unmarshal(entry.Value(), &held) == nil && time.Now().Before(held.Expires) {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, lk, rec, entry.Revision())
		if err != nil {
			return nil, ErrLockHeld
		}
	}

	lock := &natsLock{store: s, key: lk, owner: owner, ttl: ttl, revision: rev}
	s.lockMu.Lock()
	s.locks[lk] = lock
	s.lockMu.Unlock()
	return lock, nil
}

// Close marks the store closed and releases held locks.
// The NATS connection belongs to the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.lockMu.Lock()
	held := make([]*natsLock, 0, len(s.locks))
	for _, l := range s.locks {
		held = append(held, l)
	}
	s.lockMu.Unlock()

	for _, l := range held {
		l.release()
	}
	return nil
}

type natsLock struct {
	store    *NATSStore
	key      string
	owner    string
	ttl      time.Duration
	mu       sync.Mutex
	revision uint64
	released atomic.Bool
}

func (l *natsLock) Unlock() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	return l.release()
}

func (l *natsLock) release() error {
	if l.released.Swap(true) {
		return nil
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.store.config.Timeout)
	defer cancel()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) && !isWrongSequence(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, _ := json.Marshal(lockRecord{Owner: l.owner, Expires: time.Now().Add(l.ttl)})

	ctx, cancel := context.WithTimeout(context.Background(), l.store.config.Timeout)
	defer cancel()

	rev, err := l.store.kv.Update(ctx, l.key, rec, l.revision)
	if err != nil {
		if isWrongSequence(err) {
			l.released.Store(true)
			return ErrLockExpired
		}
		return fmt.Errorf("refresh lock: %w", err)
	}
	l.revision = rev
	return nil
}

func (l *natsLock) Key() string {
	return l.key
}
