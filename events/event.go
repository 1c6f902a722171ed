package events

import (
	"context"
	"encoding/json"
	"time"
)

// Kind partitions the event log. Each kind has its own subject and
// retention window.
type Kind string

const (
	KindTask  Kind = "task"
	KindAgent Kind = "agent"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindTask || k == KindAgent
}

// Subject returns the bus subject live events of this kind travel on.
func (k Kind) Subject() string {
	return "events." + string(k)
}

// Type names a lifecycle event.
type Type string

// Task lifecycle events.
const (
	TaskCreated        Type = "created"
	TaskUpdated        Type = "updated"
	TaskQueued         Type = "queued"
	TaskAssigned       Type = "assigned"
	TaskStarted        Type = "started"
	TaskCompleted      Type = "completed"
	TaskFailed         Type = "failed"
	TaskCancelled      Type = "cancelled"
	TaskTimeout        Type = "timeout"
	TaskRetrying       Type = "retrying"
	TaskRetryScheduled Type = "retry_scheduled"
)

// Agent lifecycle events.
const (
	AgentRegistered         Type = "registered"
	AgentStatusChanged      Type = "status_changed"
	AgentOffline            Type = "offline"
	AgentTaskAssigned       Type = "task_assigned"
	AgentTaskCompleted      Type = "task_completed"
	AgentTaskFailed         Type = "task_failed"
	AgentTaskReleased       Type = "task_released"
	AgentPerformanceUpdated Type = "performance_updated"
	AgentDeregistered       Type = "deregistered"
)

// Event is one entry in the lifecycle log.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Kind      Kind            `json:"kind"`
	EntityID  string          `json:"entityId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Handler receives events from a subscription.
type Handler func(Event)

// Publisher is the write side of the event bus. Publishing never fails
// from the caller's point of view; problems are logged.
type Publisher interface {
	Publish(ctx context.Context, kind Kind, typ Type, entityID string, payload interface{})
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Kind, Type, string, interface{}) {}
