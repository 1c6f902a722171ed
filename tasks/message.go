package tasks

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/taskmesh/errors"
)

// TaskMessage is the envelope the dispatcher sends to an agent.
type TaskMessage struct {
	// Identity & Correlation
	TaskID         string `json:"task_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	UserID         string `json:"user_id,omitempty"`

	// Routing
	AgentID string `json:"agent_id"`
	ReplyTo string `json:"reply_to,omitempty"` // Subject to publish the TaskResult on

	// Execution Control
	TimeoutMs   int64      `json:"timeout_ms,omitempty"` // 0 = no limit
	Deadline    *time.Time `json:"deadline,omitempty"`
	Attempt     int        `json:"attempt"`      // 1-indexed
	MaxAttempts int        `json:"max_attempts"` // 1 + maxRetries

	// Payload
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Context  Context  `json:"context"`

	// Metadata
	CreatedAt time.Time         `json:"created_at"`
	Headers   map[string]string `json:"headers,omitempty"` // Trace propagation
}

// NewTaskMessage builds the envelope for an assigned task.
func NewTaskMessage(t *Task, replyTo string, now time.Time) *TaskMessage {
	return &TaskMessage{
		TaskID:         t.ID,
		IdempotencyKey: t.IdempotencyKey,
		UserID:         t.UserID,
		AgentID:        t.AssignedAgentID,
		ReplyTo:        replyTo,
		TimeoutMs:      t.Context.Constraints.MaxDurationMs,
		Deadline:       cloneTime(t.Context.Constraints.Deadline),
		Attempt:        t.RetryCount + 1,
		MaxAttempts:    t.MaxRetries + 1,
		Type:           t.Type,
		Priority:       t.Priority,
		Context:        t.Context.clone(),
		CreatedAt:      now,
		Headers:        make(map[string]string),
	}
}

// Validate checks if the task message has required fields.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" || m.AgentID == "" {
		return errors.InvalidInput("task message needs task_id and agent_id")
	}
	if !m.Type.Valid() {
		return errors.InvalidInput("task message has unknown type " + string(m.Type))
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	return nil
}

// Marshal serializes the task message to JSON.
func (m *TaskMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalTaskMessage deserializes a task message from JSON.
func UnmarshalTaskMessage(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ResultStatus is what an agent reports about a task.
type ResultStatus string

const (
	ResultAccepted  ResultStatus = "accepted" // Work started
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimeout   ResultStatus = "timeout"
)

// TaskResult is the report an agent publishes while and after executing
// a task.
type TaskResult struct {
	// Identity
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`

	// Outcome
	Status    ResultStatus     `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Code      errors.ErrorCode `json:"code,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`

	// Execution Info
	Attempt     int       `json:"attempt"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`

	// Metadata
	Headers map[string]string `json:"headers,omitempty"`
}

// NewTaskResult creates a new task result.
func NewTaskResult(taskID, agentID string, status ResultStatus, now time.Time) *TaskResult {
	return &TaskResult{
		TaskID:      taskID,
		AgentID:     agentID,
		Status:      status,
		CompletedAt: now,
	}
}

// Err converts a failed result into a coded error. Results without a code
// are reported as TASK_FAILED.
func (r *TaskResult) Err() error {
	code := r.Code
	if code == "" {
		code = errors.ErrCodeTaskFailed
	}
	msg := r.Error
	if msg == "" {
		msg = code.Description()
	}
	return errors.New(code, msg,
		errors.WithTaskID(r.TaskID),
		errors.WithAgentID(r.AgentID),
		errors.WithRetryable(r.Retryable),
	)
}

// Marshal serializes the task result to JSON.
func (r *TaskResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTaskResult deserializes a task result from JSON.
func UnmarshalTaskResult(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
