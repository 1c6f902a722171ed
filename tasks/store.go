package tasks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"
)

// Store errors. Adapters map their backend's errors onto these.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists indicates the id or idempotency key is already taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrStoreClosed indicates the underlying store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Store persists tasks. The lifecycle manager serializes writes per task,
// so adapters need only make single operations atomic.
type Store interface {
	// Create stores a new task. Returns ErrTaskExists if the id or the
	// idempotency key is taken.
	Create(ctx context.Context, task *Task) error

	// Get returns the task. Returns ErrTaskNotFound if absent.
	Get(ctx context.Context, id string) (*Task, error)

	// FindByIdempotencyKey returns the task created with key.
	FindByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// Update replaces a stored task. Returns ErrTaskNotFound if absent.
	Update(ctx context.Context, task *Task) error

	// Delete removes the task. Deleting a missing task is not an error.
	Delete(ctx context.Context, id string) error

	// List returns tasks matching q, sorted and limited.
	List(ctx context.Context, q Query) ([]*Task, error)

	// Close releases resources.
	Close() error
}

// SortField names a sortable task column.
type SortField string

const (
	SortCreatedAt SortField = "createdAt"
	SortUpdatedAt SortField = "updatedAt"
	SortPriority  SortField = "priority"
	SortStatus    SortField = "status"
	SortType      SortField = "type"
)

// Valid reports whether f is sortable.
func (f SortField) Valid() bool {
	switch f {
	case SortCreatedAt, SortUpdatedAt, SortPriority, SortStatus, SortType:
		return true
	}
	return false
}

// Direction is ascending or descending.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter selects tasks. Empty fields match everything; list fields match
// any of their values.
type Filter struct {
	Statuses    []Status   `json:"status,omitempty"`
	Types       []Type     `json:"type,omitempty"`
	Priorities  []Priority `json:"priority,omitempty"`
	AgentID     string     `json:"agentId,omitempty"`
	UserID      string     `json:"userId,omitempty"`
	CreatedFrom *time.Time `json:"from,omitempty"`
	CreatedTo   *time.Time `json:"to,omitempty"`
}

// Matches reports whether t passes the filter. The created-at range is
// inclusive at both ends.
func (f Filter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.CreatedFrom != nil && t.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && t.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// Sort orders results.
type Sort struct {
	Field     SortField `json:"field,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// Query is a filtered, sorted, limited listing. A zero Limit returns every
// match; the manager applies the public result bound.
type Query struct {
	Filter
	Sort  Sort
	Limit int
}

// withDefaults fills in the sort: newest first.
func (q Query) withDefaults() Query {
	if !q.Sort.Field.Valid() {
		q.Sort.Field = SortCreatedAt
	}
	if q.Sort.Direction != Asc && q.Sort.Direction != Desc {
		q.Sort.Direction = Desc
	}
	return q
}

// sortTasks orders tasks by s, breaking ties by id ascending.
func sortTasks(tasks []*Task, s Sort) {
	sort.SliceStable(tasks, func(i, j int) bool {
		c := compareTasks(tasks[i], tasks[j], s.Field)
		if c == 0 {
			return tasks[i].ID < tasks[j].ID
		}
		if s.Direction == Asc {
			return c < 0
		}
		return c > 0
	})
}

func compareTasks(a, b *Task, field SortField) int {
	switch field {
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortPriority:
		return a.Priority.Rank() - b.Priority.Rank()
	case SortStatus:
		return compareStrings(string(a.Status), string(b.Status))
	case SortType:
		return compareStrings(string(a.Type), string(b.Type))
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// applyQuery filters, sorts and limits an in-memory slice.
func applyQuery(all []*Task, q Query) []*Task {
	q = q.withDefaults()
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		if q.Filter.Matches(t) {
			out = append(out, t)
		}
	}
	sortTasks(out, q.Sort)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
