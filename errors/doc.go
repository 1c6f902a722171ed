// Package errors provides the structured error taxonomy shared by the
// taskmesh orchestration core.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: temporary failures where retry may succeed (routing, store timeouts)
//   - Permanent: retry will not help (unknown task, invalid state, invalid input)
//   - Resource: capacity exhaustion (agent at max concurrency, no agent available)
//   - Internal: unexpected errors indicating bugs
//
// # Error Codes
//
// Every operation in the core fails with one of a small set of codes:
//
//   - NOT_FOUND: unknown task or agent id
//   - INVALID_STATE: the operation is not allowed in the current status
//   - CAPACITY_EXCEEDED: the agent is already at max concurrency
//   - RETRY_EXHAUSTED: the task used up its retries
//   - ROUTING_ERROR: the task could not be routed after creation
//   - HAS_ACTIVE_TASKS: an agent with assigned tasks cannot be deregistered
//
// Callers switch on the code:
//
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // 404
//	}
//
// # Severity
//
// Each error carries a severity derived from its category unless set with
// WithSeverity. Recovered panics are always critical.
//
// # JSON Serialization
//
// Errors round-trip through JSON so that agents can report structured
// failures back over the bus:
//
//	data, err := json.Marshal(codedErr)
package errors
