// Package state provides the revisioned key-value store behind task,
// agent, performance and event persistence.
//
// The StateStore interface offers plain reads and writes, compare-and-swap
// via revisions, and leases used for single-leader background work.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV, shared between processes
//   - MemoryStore: in-process map, for tests and single-node runs
//
// # Compare-and-swap
//
//	kv, _ := store.Get(ctx, "registry.agent.qa-1")
//	// mutate kv.Value
//	_, err := store.Update(ctx, kv.Key, newValue, kv.Revision)
//	if err == state.ErrRevisionMismatch {
//	    // someone else wrote first; re-read and retry
//	}
//
// # Leases
//
//	lock, err := store.Lock(ctx, "dispatch.leader", 10*time.Second)
//	if err == state.ErrLockHeld {
//	    return // another process is leader
//	}
//	defer lock.Unlock()
package state
