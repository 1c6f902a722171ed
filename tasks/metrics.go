package tasks

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetention is how long finished tasks are kept by Cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// Metrics summarizes the task population.
type Metrics struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"byStatus"`
	ByType     map[Type]int     `json:"byType"`
	ByPriority map[Priority]int `json:"byPriority"`

	// AverageExecutionTime is the mean start-to-completion time of
	// completed tasks, in milliseconds.
	AverageExecutionTime float64 `json:"averageExecutionTime"`

	// SuccessRate is completed / (completed + failed), zero when neither
	// has happened.
	SuccessRate float64 `json:"successRate"`
}

// ComputeMetrics aggregates a task list.
func ComputeMetrics(list []*Task) *Metrics {
	m := &Metrics{
		Total:      len(list),
		ByStatus:   make(map[Status]int),
		ByType:     make(map[Type]int),
		ByPriority: make(map[Priority]int),
	}
	var (
		execTotal time.Duration
		execCount int
	)
	for _, t := range list {
		m.ByStatus[t.Status]++
		m.ByType[t.Type]++
		m.ByPriority[t.Priority]++
		if d := t.ExecutionTime(); d > 0 {
			execTotal += d
			execCount++
		}
	}
	if execCount > 0 {
		m.AverageExecutionTime = float64(execTotal.Milliseconds()) / float64(execCount)
	}
	completed, failed := m.ByStatus[StatusCompleted], m.ByStatus[StatusFailed]
	if completed+failed > 0 {
		m.SuccessRate = float64(completed) / float64(completed+failed)
	}
	return m
}

// Metrics aggregates every stored task.
func (m *Manager) Metrics(ctx context.Context) (*Metrics, error) {
	all, err := m.store.List(ctx, Query{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return ComputeMetrics(all), nil
}

// Cleanup deletes finished tasks last updated more than olderThan ago.
// Zero or negative olderThan uses DefaultRetention. Failed tasks with a
// retry still pending are kept. It returns how many tasks were removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := m.clock.Now().Add(-olderThan)

	finished, err := m.store.List(ctx, Query{Filter: Filter{
		Statuses: []Status{StatusCompleted, StatusCancelled, StatusFailed, StatusTimeout},
	}})
	if err != nil {
		return 0, fmt.Errorf("list finished tasks: %w", err)
	}

	removed := 0
	for _, t := range finished {
		if !t.UpdatedAt.Before(cutoff) || m.sched.Pending(t.ID) {
			continue
		}
		if err := m.store.Delete(ctx, t.ID); err != nil {
			return removed, fmt.Errorf("delete task %s: %w", t.ID, err)
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("tasks_cleaned", map[string]interface{}{"removed": removed, "cutoff": cutoff.Format(time.RFC3339)})
	}
	return removed, nil
}
