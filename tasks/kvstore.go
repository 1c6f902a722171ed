package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vinayprograms/taskmesh/state"
)

const (
	// Key prefixes for state store.
	taskPrefix        = "tasks.task."
	idempotencyPrefix = "tasks.idem."
)

// KVStore implements Store over a state.StateStore. Tasks are stored as
// JSON under tasks.task.<id>; idempotency keys map to task ids under
// tasks.idem.<key>.
type KVStore struct {
	kv state.StateStore
}

// NewKVStore creates a task store backed by kv.
func NewKVStore(kv state.StateStore) *KVStore {
	return &KVStore{kv: kv}
}

// Create stores a new task and its idempotency mapping.
func (s *KVStore) Create(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if task.IdempotencyKey != "" {
		if _, err := s.kv.Create(ctx, idemKey(task.IdempotencyKey), []byte(task.ID)); err != nil {
			return mapKVErr(err)
		}
	}
	if _, err := s.kv.Create(ctx, taskPrefix+task.ID, data); err != nil {
		if task.IdempotencyKey != "" {
			// Best effort: do not leave the key pointing at nothing.
			_ = s.kv.Delete(ctx, idemKey(task.IdempotencyKey))
		}
		return mapKVErr(err)
	}
	return nil
}

// Get loads a task.
func (s *KVStore) Get(ctx context.Context, id string) (*Task, error) {
	task, _, err := s.load(ctx, id)
	return task, err
}

// FindByIdempotencyKey resolves key to its task.
func (s *KVStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if key == "" {
		return nil, ErrTaskNotFound
	}
	kv, err := s.kv.Get(ctx, idemKey(key))
	if err != nil {
		return nil, mapKVErr(err)
	}
	return s.Get(ctx, string(kv.Value))
}

// Update replaces the stored task, failing if it changed underneath.
func (s *KVStore) Update(ctx context.Context, task *Task) error {
	_, rev, err := s.load(ctx, task.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if _, err := s.kv.Update(ctx, taskPrefix+task.ID, data, rev); err != nil {
		return mapKVErr(err)
	}
	return nil
}

// Delete removes a task and its idempotency mapping.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	task, _, err := s.load(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.IdempotencyKey != "" {
		if err := s.kv.Delete(ctx, idemKey(task.IdempotencyKey)); err != nil {
			return mapKVErr(err)
		}
	}
	return mapKVErr(s.kv.Delete(ctx, taskPrefix+id))
}

// List scans every task and applies q in memory.
func (s *KVStore) List(ctx context.Context, q Query) ([]*Task, error) {
	keys, err := s.kv.Keys(ctx, taskPrefix+"*")
	if err != nil {
		return nil, mapKVErr(err)
	}
	all := make([]*Task, 0, len(keys))
	for _, key := range keys {
		task, _, err := s.load(ctx, strings.TrimPrefix(key, taskPrefix))
		if errors.Is(err, ErrTaskNotFound) {
			// Deleted between Keys and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, task)
	}
	return applyQuery(all, q), nil
}

// Close is a no-op; the state store is owned by the caller.
func (s *KVStore) Close() error { return nil }

func (s *KVStore) load(ctx context.Context, id string) (*Task, uint64, error) {
	kv, err := s.kv.Get(ctx, taskPrefix+id)
	if err != nil {
		return nil, 0, mapKVErr(err)
	}
	var task Task
	if err := json.Unmarshal(kv.Value, &task); err != nil {
		return nil, 0, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, kv.Revision, nil
}

// idemKey encodes arbitrary caller keys into a subject-safe token.
func idemKey(key string) string {
	return idempotencyPrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func mapKVErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, state.ErrNotFound):
		return ErrTaskNotFound
	case errors.Is(err, state.ErrExists):
		return ErrTaskExists
	case errors.Is(err, state.ErrRevisionMismatch):
		return fmt.Errorf("task modified concurrently: %w", err)
	case errors.Is(err, state.ErrClosed):
		return ErrStoreClosed
	}
	return err
}
