// Package registry owns agent records: registration, status, load
// accounting and performance snapshots.
//
// # Overview
//
// A Registry is a constructed-once service over two stores:
//
//   - AgentStore: agent records with revisions for compare-and-swap
//   - PerformanceStore: per-agent Performance snapshots
//
// KVAgentStore and KVPerformanceStore adapt any state.StateStore, so the
// same registry runs on state.MemoryStore in tests and on state.NATSStore
// (JetStream KV) in a deployment.
//
// # Load Accounting
//
// AssignTask and ReleaseTask keep the invariant
//
//	currentLoad == round(len(assignedTasks) / maxConcurrentTasks * 100)
//
// and move agents between idle and busy. Operator-set statuses such as
// maintenance or degraded are left alone by assignment bookkeeping.
//
//	reg := registry.New(
//	    registry.NewKVAgentStore(kv),
//	    registry.NewKVPerformanceStore(kv),
//	    registry.WithEvents(eventBus),
//	)
//	agent, _ := reg.RegisterAgent(ctx, registry.Spec{
//	    Name:               "Penulis Meditasi",
//	    Type:               registry.TypeContentCreator,
//	    Capabilities:       []string{"content_generation", "meditation_expertise"},
//	    Specializations:    []string{"content_generation", "meditation_script"},
//	    MaxConcurrentTasks: 3,
//	})
//	_, err := reg.AssignTask(ctx, agent.ID, taskID)
//	if errors.Is(err, errors.ErrCodeCapacityExceeded) {
//	    // pick another agent
//	}
//
// # Concurrency
//
// Every mutation reads the record, applies the change and writes it back
// conditioned on the revision it read. A lost race re-reads and re-applies,
// so two concurrent assignments to one agent never lose an update.
package registry
