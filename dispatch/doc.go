// Package dispatch hands queued tasks to agents over the message bus.
//
// Each cycle the Dispatcher expires overdue tasks, then walks the queue
// urgent first and oldest first, skipping tasks whose dependencies have
// not completed. A task that gets an agent is published as a
// tasks.TaskMessage on agents.<agent-id>.tasks with trace headers.
//
// Agents report back on tasks.results:
//
//	accepted   → StartTask
//	completed  → CompleteTask
//	failed     → FailTask (retried when the result is retryable)
//	timeout    → TimeoutTask
//
// Results are consumed through the "dispatchers" queue group, so several
// orchestrator processes can share the bus. With WithLeaderStore only the
// holder of the dispatch.leader lease runs cycles.
package dispatch
