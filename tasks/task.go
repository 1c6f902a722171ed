package tasks

import (
	"encoding/json"
	"time"

	"github.com/vinayprograms/taskmesh/errors"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
	StatusRetrying   Status = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusAssigned, StatusInProgress, StatusCompleted,
	StatusFailed, StatusCancelled, StatusTimeout, StatusRetrying,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible without
// caller action. Failed tasks are terminal unless retried; timed out tasks
// can only be cancelled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Cancellable reports whether CancelTask accepts a task in this status.
func (s Status) Cancellable() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return s.Valid()
}

// holdsAgent reports whether a task in this status occupies an agent slot.
func (s Status) holdsAgent() bool {
	return s == StatusAssigned || s == StatusInProgress
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:     {StatusAssigned, StatusFailed, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
	StatusFailed:     {StatusRetrying},
	StatusRetrying:   {StatusPending, StatusCancelled},
	StatusTimeout:    {StatusCancelled},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority orders queued work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AllPriorities lists priorities from lowest to highest.
var AllPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Rank returns 0 for low up to 3 for urgent, and -1 for unknown values.
func (p Priority) Rank() int {
	for i, v := range AllPriorities {
		if p == v {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Type is the kind of work a task carries.
type Type string

const (
	TypeContentGeneration           Type = "content_generation"
	TypeContentReview               Type = "content_review"
	TypeContentTranslation          Type = "content_translation"
	TypeMeditationScript            Type = "meditation_script"
	TypeCulturalAdaptation          Type = "cultural_adaptation"
	TypeAccessibilityReview         Type = "accessibility_review"
	TypeQualityAssurance            Type = "quality_assurance"
	TypeSessionRecommendation       Type = "session_recommendation"
	TypeUserInsight                 Type = "user_insight"
	TypeProgressAnalysis            Type = "progress_analysis"
	TypeMoodAnalysis                Type = "mood_analysis"
	TypeJournalAnalysis             Type = "journal_analysis"
	TypeNotificationScheduling      Type = "notification_scheduling"
	TypeNotificationPersonalization Type = "notification_personalization"
	TypeReminderOptimization        Type = "reminder_optimization"
	TypeDataSync                    Type = "data_sync"
	TypeDataCleanup                 Type = "data_cleanup"
	TypeAnalyticsAggregation        Type = "analytics_aggregation"
	TypePerformanceEvaluation       Type = "performance_evaluation"
	TypeSystemMaintenance           Type = "system_maintenance"
)

// Family groups task types that share a parameter shape.
type Family string

const (
	FamilyContent      Family = "content"
	FamilyInsight      Family = "insight"
	FamilyNotification Family = "notification"
	FamilyMaintenance  Family = "maintenance"
)

var families = map[Type]Family{
	TypeContentGeneration:           FamilyContent,
	TypeContentReview:               FamilyContent,
	TypeContentTranslation:          FamilyContent,
	TypeMeditationScript:            FamilyContent,
	TypeCulturalAdaptation:          FamilyContent,
	TypeAccessibilityReview:         FamilyContent,
	TypeQualityAssurance:            FamilyContent,
	TypeSessionRecommendation:       FamilyInsight,
	TypeUserInsight:                 FamilyInsight,
	TypeProgressAnalysis:            FamilyInsight,
	TypeMoodAnalysis:                FamilyInsight,
	TypeJournalAnalysis:             FamilyInsight,
	TypeNotificationScheduling:      FamilyNotification,
	TypeNotificationPersonalization: FamilyNotification,
	TypeReminderOptimization:        FamilyNotification,
	TypeDataSync:                    FamilyMaintenance,
	TypeDataCleanup:                 FamilyMaintenance,
	TypeAnalyticsAggregation:        FamilyMaintenance,
	TypePerformanceEvaluation:       FamilyMaintenance,
	TypeSystemMaintenance:           FamilyMaintenance,
}

// Family returns the parameter family of t, or "" for unknown types.
func (t Type) Family() Family { return families[t] }

// Valid reports whether t is a known task type.
func (t Type) Valid() bool { return t.Family() != "" }

// AllTypes returns every task type.
func AllTypes() []Type {
	out := make([]Type, 0, len(families))
	for t := range families {
		out = append(out, t)
	}
	return out
}

// TaskError records why a task failed.
type TaskError struct {
	Code      errors.ErrorCode     `json:"code"`
	Message   string               `json:"message"`
	Retryable bool                 `json:"retryable"`
	Severity  errors.Severity      `json:"severity"`
	Category  errors.ErrorCategory `json:"category"`
	Timestamp time.Time            `json:"timestamp"`
}

// NewTaskError converts err into a TaskError. Errors without a code are
// recorded as TASK_FAILED.
func NewTaskError(err error, now time.Time) *TaskError {
	coded := errors.AsCoded(err)
	if coded == nil {
		coded = errors.New(errors.ErrCodeTaskFailed, err.Error())
	}
	msg := err.Error()
	if e, ok := coded.(*errors.Error); ok {
		msg = e.Message()
		if cause := e.Unwrap(); cause != nil {
			msg = e.Error()
		}
	}
	return &TaskError{
		Code:      coded.Code(),
		Message:   msg,
		Retryable: coded.Retryable(),
		Severity:  coded.Severity(),
		Category:  coded.Category(),
		Timestamp: now,
	}
}

// Task is a unit of asynchronous work.
type Task struct {
	ID              string          `json:"id"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	Type            Type            `json:"type"`
	Status          Status          `json:"status"`
	Priority        Priority        `json:"priority"`
	Context         Context         `json:"context"`
	Dependencies    []string        `json:"dependencies"`
	AssignedAgentID string          `json:"assignedAgentId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ScheduledAt     *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	FailedAt        *time.Time      `json:"failedAt,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Context = t.Context.clone()
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FailedAt = cloneTime(t.FailedAt)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// ExecutionTime returns how long the task ran, or zero if it has not both
// started and completed.
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil || t.Status != StatusCompleted {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
