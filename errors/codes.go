package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: routing hiccups, store timeouts, agent briefly unavailable.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, unknown task, operation disallowed in the current state.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates capacity or quota exhaustion.
	// Examples: agent at max concurrency, no agent available.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// DefaultSeverity returns the severity assumed for errors of this category.
func (c ErrorCategory) DefaultSeverity() Severity {
	switch c {
	case CategoryTransient:
		return SeverityLow
	case CategoryPermanent, CategoryResource:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for orchestration failures.
const (
	// Lifecycle and registry preconditions
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"          // Task or agent does not exist
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE"      // Operation disallowed in current status
	ErrCodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"  // Agent at max concurrency
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"    // retryCount >= maxRetries
	ErrCodeRoutingError      ErrorCode = "ROUTING_ERROR"      // Routing a task to the queue failed
	ErrCodeHasActiveTasks    ErrorCode = "HAS_ACTIVE_TASKS"   // Deregister blocked by assigned tasks
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"      // Malformed task or agent spec
	ErrCodeDependencyPending ErrorCode = "DEPENDENCY_PENDING" // A dependency has not completed yet
	ErrCodeNoAgentAvailable  ErrorCode = "NO_AGENT_AVAILABLE" // Selector found no eligible agent
	ErrCodeConflict          ErrorCode = "CONFLICT"           // Concurrent modification lost the race
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"     // Duplicate id

	// Execution-time failures
	ErrCodeTimeout      ErrorCode = "TIMEOUT"       // Operation or task timed out
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"   // Dependency temporarily unavailable
	ErrCodeTaskFailed   ErrorCode = "TASK_FAILED"   // Agent reported a failure
	ErrCodeAgentOffline ErrorCode = "AGENT_OFFLINE" // Assigned agent went away
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeRoutingError, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeAgentOffline,
		ErrCodeConflict, ErrCodeDependencyPending:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidState, ErrCodeRetryExhausted, ErrCodeHasActiveTasks,
		ErrCodeInvalidInput, ErrCodeAlreadyExists, ErrCodeTaskFailed, ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeCapacityExceeded, ErrCodeNoAgentAvailable:
		return CategoryResource

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotFound:          "resource not found",
	ErrCodeInvalidState:      "operation not allowed in current state",
	ErrCodeCapacityExceeded:  "agent at maximum concurrency",
	ErrCodeRetryExhausted:    "retry limit reached",
	ErrCodeRoutingError:      "task routing failed",
	ErrCodeHasActiveTasks:    "agent has active tasks",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeDependencyPending: "task dependencies not completed",
	ErrCodeNoAgentAvailable:  "no eligible agent available",
	ErrCodeConflict:          "concurrent modification",
	ErrCodeAlreadyExists:     "resource already exists",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeTaskFailed:        "task execution failed",
	ErrCodeAgentOffline:      "agent is offline",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
