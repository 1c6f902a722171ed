package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrLockExpired      = errors.New("lock expired")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidTTL       = errors.New("invalid TTL")
)

// KeyValue represents a stored entry with its revision.
type KeyValue struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
	Modified time.Time
}

// StateStore is a revisioned key-value store with leases.
//
// Revisions increase on every write to a key and let callers perform
// compare-and-swap updates: read with Get, modify, write back with Update
// passing the revision that was read.
type StateStore interface {
	// Get retrieves the entry for key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Put stores value unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Create stores value only if key does not exist.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if the current revision equals rev.
	// Returns ErrRevisionMismatch if another write happened in between
	// and ErrNotFound if the key is gone.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys matching pattern in lexical order.
	// Pattern supports a trailing * wildcard (e.g., "tasks.task.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Lock acquires an exclusive lease on key for ttl.
	// Returns ErrLockHeld if another holder's lease has not expired.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// Lock represents a lease held on a key.
type Lock interface {
	// Unlock releases the lock.
	// Returns ErrLockNotHeld if already released.
	Unlock() error

	// Refresh extends the lease by its original TTL.
	// Returns ErrLockExpired if the lease lapsed and was lost.
	Refresh() error

	// Key returns the lock key.
	Key() string
}

// ValidateKey checks that key is usable with every backend. Keys are dot
// separated tokens of letters, digits, '-', '_' and '='.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == '=':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}

// ValidateTTL checks if a lease TTL is valid.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "events.task.*" matches "events.task.1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}

func lockKey(key string) string {
	return "_lock." + key
}
