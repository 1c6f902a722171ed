package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/scheduler"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// Heartbeat is a liveness report from an agent.
type Heartbeat struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`

	// Status is the agent's self-reported status ("idle", "busy", ...).
	Status string `json:"status"`

	// Load is the fraction of capacity in use, 0.0 to 1.0.
	Load        float64 `json:"load"`
	ActiveTasks int     `json:"activeTasks,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.AgentID
}

// Sender sends periodic heartbeats.
type Sender interface {
	// Start begins sending heartbeats at the configured interval.
	// Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	SetStatus(status string)

	// SetLoad records active tasks out of capacity.
	SetLoad(active, capacity int)

	SetMetadata(key, value string)

	// Stop stops sending heartbeats.
	// Returns ErrNotStarted if not running.
	Stop() error
}

// Tracker is the registry side of liveness. *registry.Registry satisfies it.
type Tracker interface {
	Touch(ctx context.Context, agentID string, at time.Time) (*registry.Agent, error)
	UpdateStatus(ctx context.Context, agentID string, status registry.Status) (*registry.Agent, error)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	Bus     bus.MessageBus
	AgentID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: "idle"
	InitialStatus string

	Clock  scheduler.Clock
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: string(registry.StatusIdle),
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Tracker receives Touch on every beat and an offline status when an
	// agent goes silent. Optional.
	Tracker Tracker

	// Timeout for considering an agent dead.
	// Should be 2-3x the expected heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead agent checker.
	// Default: 1 second
	CheckInterval time.Duration

	Clock  scheduler.Clock
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
