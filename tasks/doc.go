// Package tasks owns the task lifecycle.
//
// A Task is a unit of asynchronous work with a typed payload. Its status
// follows a fixed table:
//
//	pending → queued → assigned → in_progress → completed
//	                                          ↘ failed → retrying → pending
//	                                          ↘ timeout
//	any non-final status → cancelled
//
// Completed and cancelled are final. Failed is final unless retried, and a
// timed out task can only be cancelled.
//
// # Basic Usage
//
//	store := tasks.NewKVStore(state.NewMemoryStore())
//	mgr := tasks.NewManager(store,
//	    tasks.WithAgents(reg),
//	    tasks.WithMatcher(selector.New(reg)),
//	    tasks.WithEvents(bus),
//	)
//
//	task, err := mgr.CreateTask(ctx, tasks.Spec{
//	    Type:    tasks.TypeMeditationScript,
//	    Context: tasks.Context{Params: tasks.ContentParams{Topic: "napas"}},
//	})
//	// task.Status == queued
//
//	task, err = mgr.AssignTask(ctx, task.ID, "") // selector picks the agent
//	task, err = mgr.StartTask(ctx, task.ID)
//	task, err = mgr.CompleteTask(ctx, task.ID, result)
//
// # Idempotency
//
// A Spec with an IdempotencyKey creates at most one task. Repeating the
// request returns the task created first.
//
// # Retries
//
// FailTask records a TaskError. When it is retryable and the task has
// retries left, a retry is scheduled after retry.Policy's backoff, keyed
// by task id. CancelTask drops that timer. A timer that fires after the
// task moved on does nothing.
//
// # Storage
//
// Store has two adapters: KVStore over a state.StateStore (memory or NATS
// JetStream KV) and SQLiteStore. The Manager serializes writes per task,
// so a Store need only make single operations atomic.
package tasks
