package registry

import (
	"math"
	"time"
)

// Status is an agent's operational state. Any status may move to any other
// through UpdateStatus; assignment bookkeeping moves agents between idle
// and busy.
type Status string

const (
	StatusActive      Status = "active"
	StatusBusy        Status = "busy"
	StatusIdle        Status = "idle"
	StatusMaintenance Status = "maintenance"
	StatusError       Status = "error"
	StatusOffline     Status = "offline"
	StatusOverloaded  Status = "overloaded"
	StatusDegraded    Status = "degraded"
)

var allStatuses = []Status{
	StatusActive, StatusBusy, StatusIdle, StatusMaintenance,
	StatusError, StatusOffline, StatusOverloaded, StatusDegraded,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Assignable reports whether an agent in this status may take a task.
// Busy agents still take work until they reach capacity.
func (s Status) Assignable() bool {
	return s == StatusActive || s == StatusIdle || s == StatusBusy
}

// Available reports whether the selector considers agents in this status.
func (s Status) Available() bool {
	return s == StatusActive || s == StatusIdle
}

// Healthy reports whether the status counts toward system health.
func (s Status) Healthy() bool {
	switch s {
	case StatusError, StatusOffline, StatusDegraded, StatusOverloaded:
		return false
	default:
		return true
	}
}

// loadTracked statuses are recomputed from load after assignment changes;
// the rest are operator-set and left alone.
func (s Status) loadTracked() bool {
	return s == StatusActive || s == StatusIdle || s == StatusBusy
}

// AgentType is the role an agent plays.
type AgentType string

const (
	TypeContentCreator   AgentType = "content_creator"
	TypePersonalization  AgentType = "personalization"
	TypeAnalytics        AgentType = "analytics"
	TypeNotification     AgentType = "notification"
	TypeQualityAssurance AgentType = "quality_assurance"
	TypeCulturalAdvisor  AgentType = "cultural_advisor"
	TypeCoordinator      AgentType = "coordinator"
	TypeMaintenance      AgentType = "maintenance"
)

var allTypes = []AgentType{
	TypeContentCreator, TypePersonalization, TypeAnalytics, TypeNotification,
	TypeQualityAssurance, TypeCulturalAdvisor, TypeCoordinator, TypeMaintenance,
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	for _, v := range allTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Configuration describes how the agent's model would be driven. The
// orchestrator stores it but never executes anything with it.
type Configuration struct {
	Model        string        `json:"model,omitempty" toml:"model" yaml:"model"`
	Temperature  float64       `json:"temperature,omitempty" toml:"temperature" yaml:"temperature"`
	MaxTokens    int           `json:"maxTokens,omitempty" toml:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string        `json:"systemPrompt,omitempty" toml:"system_prompt" yaml:"system_prompt"`
	Timeout      time.Duration `json:"timeout,omitempty" toml:"timeout" yaml:"timeout"`
}

// Agent is a worker registered with the orchestrator.
type Agent struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Type               AgentType     `json:"type"`
	Status             Status        `json:"status"`
	Capabilities       []string      `json:"capabilities"`
	Specializations    []string      `json:"specializations"`
	Performance        *Performance  `json:"performance,omitempty"`
	Configuration      Configuration `json:"configuration"`
	CurrentLoad        int           `json:"currentLoad"`
	AssignedTasks      []string      `json:"assignedTasks"`
	CompletedTasks     int           `json:"completedTasks"`
	FailedTasks        int           `json:"failedTasks"`
	MaxConcurrentTasks int           `json:"maxConcurrentTasks"`
	CreatedAt          time.Time     `json:"createdAt"`
	LastActiveAt       time.Time     `json:"lastActiveAt"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.Specializations = append([]string(nil), a.Specializations...)
	c.AssignedTasks = append([]string(nil), a.AssignedTasks...)
	if a.Performance != nil {
		c.Performance = a.Performance.Clone()
	}
	return &c
}

// HasCapability checks if the agent has a specific capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasAllCapabilities checks if the agent has every listed capability.
// An empty list is satisfied by any agent.
func (a *Agent) HasAllCapabilities(required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// SpecializesIn reports whether taskType is one of the agent's
// specializations.
func (a *Agent) SpecializesIn(taskType string) bool {
	for _, s := range a.Specializations {
		if s == taskType {
			return true
		}
	}
	return false
}

// HasTask reports whether taskID is assigned to the agent.
func (a *Agent) HasTask(taskID string) bool {
	return indexOf(a.AssignedTasks, taskID) >= 0
}

// Full reports whether the agent is at capacity.
func (a *Agent) Full() bool {
	return len(a.AssignedTasks) >= a.MaxConcurrentTasks
}

// recomputeLoad refreshes CurrentLoad and, for load-tracked statuses, the
// busy/idle status.
func (a *Agent) recomputeLoad() {
	a.CurrentLoad = Load(len(a.AssignedTasks), a.MaxConcurrentTasks)
	if a.Status.loadTracked() {
		if a.CurrentLoad > 0 {
			a.Status = StatusBusy
		} else {
			a.Status = StatusIdle
		}
	}
}

// Load returns round(assigned/max*100), or 100 when max is not positive.
func Load(assigned, max int) int {
	if max <= 0 {
		return 100
	}
	return int(math.Round(float64(assigned) / float64(max) * 100))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// Filter selects agents in ListAgents. Zero fields match everything.
type Filter struct {
	Type       AgentType
	Status     Status
	Capability string
}

// Matches reports whether a passes the filter.
func (f Filter) Matches(a *Agent) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}
