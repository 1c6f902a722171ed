package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/taskmesh/state"
)

// Store errors. Adapters map their backend's errors onto these.
var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrConflict = errors.New("record modified concurrently")
)

// AgentStore persists agent records with compare-and-swap revisions.
// Records are stored without their Performance snapshot.
type AgentStore interface {
	// Get returns the agent and its current revision.
	Get(ctx context.Context, id string) (*Agent, uint64, error)

	// Create stores a new agent. Returns ErrExists if the id is taken.
	Create(ctx context.Context, agent *Agent) (uint64, error)

	// Update replaces the agent if its revision still equals rev.
	// Returns ErrConflict otherwise.
	Update(ctx context.Context, agent *Agent, rev uint64) (uint64, error)

	// Delete removes the agent.
	Delete(ctx context.Context, id string) error

	// List returns every agent ordered by id.
	List(ctx context.Context) ([]*Agent, error)
}

// PerformanceStore persists per-agent performance snapshots.
type PerformanceStore interface {
	// Get returns the snapshot and its revision.
	Get(ctx context.Context, agentID string) (*Performance, uint64, error)

	// Put writes the snapshot. A zero rev creates it; otherwise the write is
	// conditional on rev.
	Put(ctx context.Context, perf *Performance, rev uint64) (uint64, error)

	// Delete removes the snapshot.
	Delete(ctx context.Context, agentID string) error
}

const (
	agentPrefix       = "registry.agent."
	performancePrefix = "registry.performance."
)

// KVAgentStore keeps agents in a state.StateStore as JSON.
type KVAgentStore struct {
	kv state.StateStore
}

// NewKVAgentStore creates an AgentStore over kv.
func NewKVAgentStore(kv state.StateStore) *KVAgentStore {
	return &KVAgentStore{kv: kv}
}

func (s *KVAgentStore) Get(ctx context.Context, id string) (*Agent, uint64, error) {
	entry, err := s.kv.Get(ctx, agentPrefix+id)
	if err != nil {
		return nil, 0, mapStateErr(err)
	}
	var a Agent
	if err := json.Unmarshal(entry.Value, &a); err != nil {
		return nil, 0, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &a, entry.Revision, nil
}

func (s *KVAgentStore) Create(ctx context.Context, agent *Agent) (uint64, error) {
	data, err := encodeAgent(agent)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(ctx, agentPrefix+agent.ID, data)
	return rev, mapStateErr(err)
}

func (s *KVAgentStore) Update(ctx context.Context, agent *Agent, rev uint64) (uint64, error) {
	data, err := encodeAgent(agent)
	if err != nil {
		return 0, err
	}
	newRev, err := s.kv.Update(ctx, agentPrefix+agent.ID, data, rev)
	return newRev, mapStateErr(err)
}

func (s *KVAgentStore) Delete(ctx context.Context, id string) error {
	return mapStateErr(s.kv.Delete(ctx, agentPrefix+id))
}

func (s *KVAgentStore) List(ctx context.Context) ([]*Agent, error) {
	keys, err := s.kv.Keys(ctx, agentPrefix+"*")
	if err != nil {
		return nil, mapStateErr(err)
	}
	agents := make([]*Agent, 0, len(keys))
	for _, key := range keys {
		a, _, err := s.Get(ctx, strings.TrimPrefix(key, agentPrefix))
		if errors.Is(err, ErrNotFound) {
			// Deleted between Keys and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func encodeAgent(agent *Agent) ([]byte, error) {
	stored := *agent
	stored.Performance = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode agent %s: %w", agent.ID, err)
	}
	return data, nil
}

// KVPerformanceStore keeps performance snapshots in a state.StateStore.
type KVPerformanceStore struct {
	kv state.StateStore
}

// NewKVPerformanceStore creates a PerformanceStore over kv.
func NewKVPerformanceStore(kv state.StateStore) *KVPerformanceStore {
	return &KVPerformanceStore{kv: kv}
}

func (s *KVPerformanceStore) Get(ctx context.Context, agentID string) (*Performance, uint64, error) {
	entry, err := s.kv.Get(ctx, performancePrefix+agentID)
	if err != nil {
		return nil, 0, mapStateErr(err)
	}
	var p Performance
	if err := json.Unmarshal(entry.Value, &p); err != nil {
		return nil, 0, fmt.Errorf("decode performance %s: %w", agentID, err)
	}
	return &p, entry.Revision, nil
}

func (s *KVPerformanceStore) Put(ctx context.Context, perf *Performance, rev uint64) (uint64, error) {
	data, err := json.Marshal(perf)
	if err != nil {
		return 0, fmt.Errorf("encode performance %s: %w", perf.AgentID, err)
	}
	key := performancePrefix + perf.AgentID
	if rev == 0 {
		newRev, err := s.kv.Create(ctx, key, data)
		return newRev, mapStateErr(err)
	}
	newRev, err := s.kv.Update(ctx, key, data, rev)
	return newRev, mapStateErr(err)
}

func (s *KVPerformanceStore) Delete(ctx context.Context, agentID string) error {
	return mapStateErr(s.kv.Delete(ctx, performancePrefix+agentID))
}

func mapStateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, state.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, state.ErrExists):
		return ErrExists
	case errors.Is(err, state.ErrRevisionMismatch):
		return ErrConflict
	default:
		return err
	}
}
