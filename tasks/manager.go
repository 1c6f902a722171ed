package tasks

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/retry"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/telemetry"
)

const (
	// DefaultMaxRetries applies when a spec leaves MaxRetries unset.
	DefaultMaxRetries = 3

	// MaxRetriesLimit caps what a caller may ask for.
	MaxRetriesLimit = 10

	// MaxListLimit bounds ListTasks results.
	MaxListLimit = 100

	lockStripes = 64
)

// AgentPool is the part of the agent registry the manager drives.
type AgentPool interface {
	AssignTask(ctx context.Context, agentID, taskID string) (*registry.Agent, error)
	ReleaseTask(ctx context.Context, agentID, taskID string, outcome registry.Outcome, elapsed time.Duration) (*registry.Agent, error)
}

// AgentTimeouts reports the per-task time limit configured on an agent,
// zero when it has none.
type AgentTimeouts interface {
	TaskTimeout(ctx context.Context, agentID string) time.Duration
}

// Matcher picks an agent for a task. It returns nil when nothing fits.
type Matcher interface {
	FindBestAgent(ctx context.Context, taskType string, required []string) (*registry.Agent, error)
}

// RouteGuard decides whether a pending task may be queued. An error fails
// the task with a retryable ROUTING_ERROR.
type RouteGuard func(ctx context.Context, task *Task) error

// Spec describes a task to create.
type Spec struct {
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	Type           Type       `json:"type"`
	Priority       Priority   `json:"priority,omitempty"`
	Context        Context    `json:"context"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`

	// MaxRetries nil means DefaultMaxRetries.
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// Validate checks a creation request and fills in its context defaults.
func (s *Spec) Validate() error {
	if !s.Type.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown task type %q", s.Type))
	}
	if s.Priority == "" {
		s.Priority = PriorityMedium
	}
	if !s.Priority.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown priority %q", s.Priority))
	}
	if s.MaxRetries != nil && (*s.MaxRetries < 0 || *s.MaxRetries > MaxRetriesLimit) {
		return errors.InvalidInput(fmt.Sprintf("maxRetries must be within 0..%d", MaxRetriesLimit))
	}
	seen := make(map[string]bool, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if dep == "" {
			return errors.InvalidInput("empty dependency id")
		}
		if seen[dep] {
			return errors.InvalidInput(fmt.Sprintf("duplicate dependency %s", dep))
		}
		seen[dep] = true
	}
	return s.Context.Validate(s.Type)
}

// Update is a partial task update. Nil fields are left alone.
type Update struct {
	Status      *Status         `json:"status,omitempty"`
	Priority    *Priority       `json:"priority,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
}

// Manager owns the task lifecycle. Every mutation of a task goes through
// it; writes to one task are serialized by a striped lock.
type Manager struct {
	store   Store
	agents  AgentPool
	matcher Matcher
	events  events.Publisher
	policy  retry.Policy
	sched   scheduler.Scheduler
	clock   scheduler.Clock
	tracer  *telemetry.Tracer
	logger  *logging.Logger
	guard   RouteGuard
	idGen   func() string

	defaultMaxRetries int
	runTimeout        time.Duration
	agentTimeouts     AgentTimeouts

	locks  [lockStripes]sync.Mutex
	closed atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAgents sets the agent pool used by AssignTask and released on
// completion.
func WithAgents(p AgentPool) ManagerOption {
	return func(m *Manager) { m.agents = p }
}

// WithMatcher sets the selector AssignTask falls back to.
func WithMatcher(s Matcher) ManagerOption {
	return func(m *Manager) { m.matcher = s }
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) ManagerOption {
	return func(m *Manager) { m.events = p }
}

// WithRetryPolicy sets the backoff policy for automatic retries.
func WithRetryPolicy(p retry.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithScheduler sets the deferred executor for automatic retries.
func WithScheduler(s scheduler.Scheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// WithClock sets the time source.
func WithClock(c scheduler.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l.WithComponent("tasks") }
}

// WithRouteGuard replaces the default guard, which requires every
// dependency to exist.
func WithRouteGuard(g RouteGuard) ManagerOption {
	return func(m *Manager) { m.guard = g }
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.idGen = gen }
}

// WithDefaultMaxRetries sets MaxRetries for specs that leave it unset.
func WithDefaultMaxRetries(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 && n <= MaxRetriesLimit {
			m.defaultMaxRetries = n
		}
	}
}

// WithRunningTimeout expires assigned or in-progress tasks that carry no
// deadline or maximum duration once they have run for d. Zero disables it.
func WithRunningTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.runTimeout = d }
}

// WithAgentTimeouts lets an agent's own timeout override the running
// timeout for tasks assigned to it.
func WithAgentTimeouts(a AgentTimeouts) ManagerOption {
	return func(m *Manager) { m.agentTimeouts = a }
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:             store,
		events:            events.Discard,
		policy:            retry.DefaultPolicy(),
		clock:             scheduler.SystemClock{},
		tracer:            telemetry.Noop(),
		logger:            logging.Discard(),
		idGen:             uuid.NewString,
		defaultMaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = scheduler.NewTimerScheduler()
	}
	if m.guard == nil {
		m.guard = m.dependenciesExist
	}
	return m
}

// --- Creation and routing ---

// CreateTask validates spec, stores a pending task and routes it. A spec
// whose idempotency key was seen before returns the earlier task.
func (m *Manager) CreateTask(ctx context.Context, spec Spec) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "create", "")
	defer func() { telemetry.End(span, err) }()

	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if spec.IdempotencyKey != "" {
		existing, err := m.store.FindByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !stderrors.Is(err, ErrTaskNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	maxRetries := m.defaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	now := m.clock.Now()
	t := &Task{
		ID:             m.idGen(),
		IdempotencyKey: spec.IdempotencyKey,
		Type:           spec.Type,
		Status:         StatusPending,
		Priority:       spec.Priority,
		Context:        spec.Context.clone(),
		Dependencies:   append([]string{}, spec.Dependencies...),
		UserID:         spec.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ScheduledAt:    cloneTime(spec.ScheduledAt),
		MaxRetries:     maxRetries,
	}
	telemetry.TaskAttributes(span, string(t.Type), string(t.Status), string(t.Priority))

	if err := m.store.Create(ctx, t); err != nil {
		if stderrors.Is(err, ErrTaskExists) && spec.IdempotencyKey != "" {
			// Lost a race with an identical request.
			if existing, ferr := m.store.FindByIdempotencyKey(ctx, spec.IdempotencyKey); ferr == nil {
				return existing, nil
			}
		}
		if stderrors.Is(err, ErrTaskExists) {
			return nil, errors.New(errors.ErrCodeAlreadyExists, fmt.Sprintf("task %s already exists", t.ID), errors.WithTaskID(t.ID))
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.publish(ctx, events.TaskCreated, t)
	m.logger.Info("task_created", map[string]interface{}{"task": t.ID, "type": t.Type, "priority": t.Priority})

	return m.route(ctx, t.ID)
}

// route moves a pending task to queued. If the guard or the store fails,
// the task is failed with a retryable ROUTING_ERROR instead.
func (m *Manager) route(ctx context.Context, id string) (*Task, error) {
	before, after, err := m.mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusPending {
			return errNoChange
		}
		if gerr := m.guard(ctx, t); gerr != nil {
			m.fail(t, errors.New(errors.ErrCodeRoutingError, gerr.Error(), errors.WithTaskID(t.ID), errors.WithCause(gerr)))
			return nil
		}
		t.Status = StatusQueued
		return nil
	})
	if err == nil {
		m.afterTransition(ctx, before, after)
		return after.Clone(), nil
	}
	if stderrors.Is(err, errNoChange) {
		return after.Clone(), nil
	}
	if errors.Code(err) != "" {
		return nil, err
	}

	// The store rejected the queued write; record the failure if it can
	// still be written.
	m.logger.Warn("route_failed", map[string]interface{}{"task": id, "error": err.Error()})
	rerr := errors.New(errors.ErrCodeRoutingError, err.Error(), errors.WithTaskID(id), errors.WithCause(err))
	before, after, ferr := m.mutate(ctx, id, func(t *Task) error {
		if t.Status != StatusPending {
			return errNoChange
		}
		m.fail(t, rerr)
		return nil
	})
	if ferr != nil {
		return nil, rerr
	}
	m.afterTransition(ctx, before, after)
	return after.Clone(), nil
}

func (m *Manager) dependenciesExist(ctx context.Context, t *Task) error {
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task depends on itself")
		}
		if _, err := m.store.Get(ctx, dep); err != nil {
			if stderrors.Is(err, ErrTaskNotFound) {
				return fmt.Errorf("dependency %s does not exist", dep)
			}
			return fmt.Errorf("load dependency %s: %w", dep, err)
		}
	}
	return nil
}

// --- Queries ---

// GetTask returns a task or a NOT_FOUND error.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.storeErr(id, err)
	}
	return t, nil
}

// ListTasks runs q with its limit clamped to MaxListLimit.
func (m *Manager) ListTasks(ctx context.Context, q Query) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	if q.Limit <= 0 || q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.CreatedFrom != nil && q.CreatedTo != nil && q.CreatedTo.Before(*q.CreatedFrom) {
		return nil, errors.InvalidInput("date range ends before it starts")
	}
	out, err := m.store.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// QueuedTasks returns every queued task, highest priority first, then
// oldest, then by id. Unlike ListTasks it is not limited.
func (m *Manager) QueuedTasks(ctx context.Context) ([]*Task, error) {
	if m.closed.Load() {
		return nil, ErrStoreClosed
	}
	out, err := m.store.List(ctx, Query{Filter: Filter{Statuses: []Status{StatusQueued}}})
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

// --- Updates ---

// UpdateTask merges u into the task. A status change must follow the
// lifecycle table and triggers the same side effects as the dedicated
// operations.
func (m *Manager) UpdateTask(ctx context.Context, id string, u Update) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "update", id)
	defer func() { telemetry.End(span, err) }()

	if u.Priority != nil && !u.Priority.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown priority %q", *u.Priority))
	}
	if u.Status != nil && !u.Status.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown status %q", *u.Status))
	}

	before, after, err := m.mutate(ctx, id, func(t *Task) error {
		if u.Status != nil && *u.Status != t.Status {
			if err := checkTransition(t, *u.Status); err != nil {
				return err
			}
			if *u.Status == StatusPending || *u.Status == StatusAssigned || *u.Status == StatusRetrying {
				return errors.InvalidState(fmt.Sprintf("status %s is set by RetryTask or AssignTask", *u.Status), errors.WithTaskID(t.ID))
			}
		}
		if u.Priority != nil {
			t.Priority = *u.Priority
		}
		if u.ScheduledAt != nil {
			t.ScheduledAt = cloneTime(u.ScheduledAt)
		}
		if u.Result != nil {
			t.Result = append(json.RawMessage(nil), u.Result...)
		}
		if u.Error != nil {
			e := *u.Error
			t.Error = &e
		}
		if u.Status != nil && *u.Status != t.Status {
			m.setStatus(t, *u.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, events.TaskUpdated, after)
	if before.Status != after.Status {
		if after.Status == StatusCancelled {
			m.sched.Cancel(after.ID)
		}
		m.afterTransition(ctx, before, after)
	}
	return after.Clone(), nil
}

// CancelTask cancels a task that is not completed, failed or cancelled
// and drops any pending retry timer for it.
func (m *Manager) CancelTask(ctx context.Context, id string) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "cancel", id)
	defer func() { telemetry.End(span, err) }()

	before, after, err := m.mutate(ctx, id, func(t *Task) error {
		if !t.Status.Cancellable() {
			return errors.InvalidState(fmt.Sprintf("cannot cancel %s task", t.Status), errors.WithTaskID(t.ID))
		}
		m.setStatus(t, StatusCancelled)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.sched.Cancel(id)
	m.afterTransition(ctx, before, after)
	return after.Clone(), nil
}

// RetryTask re-runs a failed task: failed → retrying → pending, then
// routes it again.
func (m *Manager) RetryTask(ctx context.Context, id string) (*Task, error) {
	return m.retry(ctx, id, -1)
}

// retry performs RetryTask. A non-negative expect makes it a no-op unless
// the task is still failed at that retry count, so a stale timer cannot
// act on a task that moved on.
func (m *Manager) retry(ctx context.Context, id string, expect int) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "retry", id)
	defer func() { telemetry.End(span, err) }()

	var retrying *Task
	before, after, err := m.mutate(ctx, id, func(t *Task) error {
		if expect >= 0 && (t.Status != StatusFailed || t.RetryCount != expect) {
			return errNoChange
		}
		if t.Status != StatusFailed {
			return errors.InvalidState(fmt.Sprintf("cannot retry %s task", t.Status), errors.WithTaskID(t.ID))
		}
		if t.RetryCount >= t.MaxRetries {
			return errors.New(errors.ErrCodeRetryExhausted,
				fmt.Sprintf("task %s used %d of %d retries", t.ID, t.RetryCount, t.MaxRetries), errors.WithTaskID(t.ID))
		}
		m.setStatus(t, StatusRetrying)
		retrying = t.Clone()

		t.RetryCount++
		t.Error = nil
		t.AssignedAgentID = ""
		t.StartedAt = nil
		t.Result = nil
		m.setStatus(t, StatusPending)
		return nil
	})
	if stderrors.Is(err, errNoChange) {
		m.logger.Debug("stale_retry_skipped", map[string]interface{}{"task": id, "status": after.Status, "retries": after.RetryCount})
		return after.Clone(), nil
	}
	if err != nil {
		return nil, err
	}

	retrying.UpdatedAt = after.UpdatedAt
	m.handleStatusChange(ctx, retrying, before.Status)
	m.handleStatusChange(ctx, after, StatusRetrying)
	return m.route(ctx, id)
}

// --- Assignment and execution ---

// AssignTask hands a queued task to agentID, or to the selector's pick
// when agentID is empty. Every dependency must have completed.
func (m *Manager) AssignTask(ctx context.Context, taskID, agentID string) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, "assign", taskID)
	defer func() { telemetry.End(span, err) }()

	if m.agents == nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "no agent registry configured")
	}

	before, after, err := m.mutate(ctx, taskID, func(t *Task) error {
		if t.Status != StatusQueued {
			return errors.InvalidState(fmt.Sprintf("cannot assign %s task", t.Status), errors.WithTaskID(t.ID))
		}
		if err := m.checkDependencies(ctx, t); err != nil {
			return err
		}
		target := agentID
		if target == "" {
			picked, err := m.pick(ctx, t)
			if err != nil {
				return err
			}
			target = picked
		}
		if _, err := m.agents.AssignTask(ctx, target, t.ID); err != nil {
			return err
		}
		t.AssignedAgentID = target
		m.setStatus(t, StatusAssigned)
		return nil
	})
	if err != nil {
		if after != nil && after.AssignedAgentID != "" && after.Status == StatusAssigned {
			// The agent took the slot but the task write failed.
			m.releaseAgent(ctx, after.AssignedAgentID, taskID, registry.OutcomeReleased, 0)
		}
		return nil, err
	}
	m.logger.TaskAssigned(after.ID, after.AssignedAgentID)
	m.afterTransition(ctx, before, after)
	return after.Clone(), nil
}

func (m *Manager) pick(ctx context.Context, t *Task) (string, error) {
	if m.matcher == nil {
		return "", errors.New(errors.ErrCodeNoAgentAvailable, "no agent selector configured", errors.WithTaskID(t.ID))
	}
	a, err := m.matcher.FindBestAgent(ctx, string(t.Type), t.Context.Constraints.RequiredCapabilities)
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", errors.New(errors.ErrCodeNoAgentAvailable,
			fmt.Sprintf("no eligible agent for %s", t.Type), errors.WithTaskID(t.ID))
	}
	return a.ID, nil
}

func (m *Manager) checkDependencies(ctx context.Context, t *Task) error {
	for _, dep := range t.Dependencies {
		d, err := m.store.Get(ctx, dep)
		if err != nil {
			if stderrors.Is(err, ErrTaskNotFound) {
				return errors.New(errors.ErrCodeDependencyPending, fmt.Sprintf("dependency %s does not exist", dep), errors.WithTaskID(t.ID))
			}
			return fmt.Errorf("load dependency %s: %w", dep, err)
		}
		if d.Status != StatusCompleted {
			return errors.New(errors.ErrCodeDependencyPending,
				fmt.Sprintf("dependency %s is %s", dep, d.Status), errors.WithTaskID(t.ID))
		}
	}
	return nil
}

// DependenciesMet reports whether every dependency of t has completed.
func (m *Manager) DependenciesMet(ctx context.Context, t *Task) (bool, error) {
	err := m.checkDependencies(ctx, t)
	if errors.Is(err, errors.ErrCodeDependencyPending) {
		return false, nil
	}
	return err == nil, err
}

// StartTask records that the assigned agent began work.
func (m *Manager) StartTask(ctx context.Context, id string) (*Task, error) {
	return m.finishOrStart(ctx, "start", id, StatusInProgress, func(*Task) {})
}

// CompleteTask records a successful result. Completing a completed task
// is a no-op.
func (m *Manager) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*Task, error) {
	return m.finishOrStart(ctx, "complete", id, StatusCompleted, func(t *Task) {
		if result != nil {
			t.Result = append(json.RawMessage(nil), result...)
		}
		t.Error = nil
	})
}

// FailTask records an execution failure. Retryable failures with retries
// left are retried automatically after a backoff delay.
func (m *Manager) FailTask(ctx context.Context, id string, cause error) (*Task, error) {
	if cause == nil {
		cause = errors.FromCode(errors.ErrCodeTaskFailed)
	}
	return m.finishOrStart(ctx, "fail", id, StatusFailed, func(t *Task) {
		t.Error = NewTaskError(cause, m.clock.Now())
	})
}

// TimeoutTask records that the task ran out of time.
func (m *Manager) TimeoutTask(ctx context.Context, id string) (*Task, error) {
	return m.finishOrStart(ctx, "timeout", id, StatusTimeout, func(t *Task) {
		t.Error = NewTaskError(errors.New(errors.ErrCodeTimeout, "task exceeded its time limit", errors.WithTaskID(t.ID)), m.clock.Now())
	})
}

func (m *Manager) finishOrStart(ctx context.Context, op, id string, to Status, apply func(*Task)) (task *Task, err error) {
	ctx, span := m.tracer.StartTaskSpan(ctx, op, id)
	defer func() { telemetry.End(span, err) }()

	before, after, err := m.mutate(ctx, id, func(t *Task) error {
		if t.Status == to {
			return errNoChange
		}
		if err := checkTransition(t, to); err != nil {
			return err
		}
		apply(t)
		m.setStatus(t, to)
		return nil
	})
	if stderrors.Is(err, errNoChange) {
		return after.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	m.afterTransition(ctx, before, after)
	return after.Clone(), nil
}

// ExpireOverdue times out running tasks that passed their deadline or
// maximum duration. Tasks with neither fall back to the assigned agent's
// timeout, then the running timeout. It returns how many were expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	running, err := m.store.List(ctx, Query{Filter: Filter{Statuses: []Status{StatusAssigned, StatusInProgress}}})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	now := m.clock.Now()
	expired := 0
	for _, t := range running {
		if !m.overdue(ctx, t, now) {
			continue
		}
		if _, err := m.TimeoutTask(ctx, t.ID); err != nil {
			m.logger.Warn("expire_failed", map[string]interface{}{"task": t.ID, "error": err.Error()})
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) overdue(ctx context.Context, t *Task, now time.Time) bool {
	c := t.Context.Constraints
	if c.Deadline != nil && now.After(*c.Deadline) {
		return true
	}
	if limit := c.MaxDuration(); limit > 0 && t.StartedAt != nil && now.Sub(*t.StartedAt) > limit {
		return true
	}
	if c.Deadline != nil || c.MaxDuration() > 0 {
		return false
	}

	limit := m.runTimeout
	if m.agentTimeouts != nil && t.AssignedAgentID != "" {
		if d := m.agentTimeouts.TaskTimeout(ctx, t.AssignedAgentID); d > 0 {
			limit = d
		}
	}
	if limit <= 0 {
		return false
	}
	// An assigned task whose accept report was lost has no start time.
	since := t.UpdatedAt
	if t.StartedAt != nil {
		since = *t.StartedAt
	}
	return now.Sub(since) > limit
}

// --- Lifecycle plumbing ---

// errNoChange aborts a mutation without writing.
var errNoChange = stderrors.New("no change")

// mutate loads a task under its stripe lock, applies fn and writes the
// result. It returns copies from before and after fn. On errNoChange the
// returned after is the unchanged task.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, *Task, error) {
	if m.closed.Load() {
		return nil, nil, ErrStoreClosed
	}
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, nil, m.storeErr(id, err)
	}
	before := t.Clone()
	if err := fn(t); err != nil {
		return before, t, err
	}
	t.UpdatedAt = m.clock.Now()
	if err := m.store.Update(ctx, t); err != nil {
		return before, t, m.storeErr(id, err)
	}
	return before, t, nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

func (m *Manager) storeErr(id string, err error) error {
	if stderrors.Is(err, ErrTaskNotFound) {
		return errors.TaskNotFound(id)
	}
	if errors.Code(err) != "" || stderrors.Is(err, ErrStoreClosed) {
		return err
	}
	return fmt.Errorf("task %s: %w", id, err)
}

func checkTransition(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return errors.InvalidState(fmt.Sprintf("task cannot move from %s to %s", t.Status, to), errors.WithTaskID(t.ID))
	}
	return nil
}

// setStatus moves t to status and maintains the timestamp invariants:
// completedAt only on completed or cancelled, failedAt only on failed.
func (m *Manager) setStatus(t *Task, status Status) {
	now := m.clock.Now()
	t.Status = status
	switch status {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = timePtr(now)
		}
	case StatusCompleted, StatusCancelled:
		t.CompletedAt = timePtr(now)
		t.FailedAt = nil
	case StatusFailed:
		t.FailedAt = timePtr(now)
		t.CompletedAt = nil
	default:
		t.CompletedAt = nil
		t.FailedAt = nil
	}
}

func (m *Manager) fail(t *Task, err error) {
	t.Error = NewTaskError(err, m.clock.Now())
	m.setStatus(t, StatusFailed)
}

// afterTransition releases the agent slot a task gave up and runs the
// status side effects.
func (m *Manager) afterTransition(ctx context.Context, before, after *Task) {
	if before.Status.holdsAgent() && !after.Status.holdsAgent() && before.AssignedAgentID != "" {
		outcome := registry.OutcomeReleased
		switch after.Status {
		case StatusCompleted:
			outcome = registry.OutcomeCompleted
		case StatusFailed, StatusTimeout:
			outcome = registry.OutcomeFailed
		}
		var elapsed time.Duration
		if before.StartedAt != nil {
			elapsed = m.clock.Now().Sub(*before.StartedAt)
		}
		m.releaseAgent(ctx, before.AssignedAgentID, after.ID, outcome, elapsed)
	}
	m.handleStatusChange(ctx, after, before.Status)
}

func (m *Manager) releaseAgent(ctx context.Context, agentID, taskID string, outcome registry.Outcome, elapsed time.Duration) {
	if m.agents == nil {
		return
	}
	if _, err := m.agents.ReleaseTask(ctx, agentID, taskID, outcome, elapsed); err != nil {
		fields := map[string]interface{}{"task": taskID, "agent": agentID, "error": err.Error()}
		if errors.Is(err, errors.ErrCodeNotFound) {
			m.logger.Debug("agent_release_skipped", fields)
			return
		}
		m.logger.Warn("agent_release_failed", fields)
	}
}

var statusEvents = map[Status]events.Type{
	StatusQueued:     events.TaskQueued,
	StatusAssigned:   events.TaskAssigned,
	StatusInProgress: events.TaskStarted,
	StatusCompleted:  events.TaskCompleted,
	StatusFailed:     events.TaskFailed,
	StatusCancelled:  events.TaskCancelled,
	StatusTimeout:    events.TaskTimeout,
	StatusRetrying:   events.TaskRetrying,
}

// handleStatusChange emits the lifecycle event for t's new status and
// schedules an automatic retry for retryable failures.
func (m *Manager) handleStatusChange(ctx context.Context, t *Task, from Status) {
	m.logger.TaskTransition(t.ID, string(from), string(t.Status))
	if typ, ok := statusEvents[t.Status]; ok {
		m.publish(ctx, typ, t)
	}
	if t.Status == StatusFailed && t.Error != nil && t.Error.Retryable && t.RetryCount < t.MaxRetries {
		m.scheduleRetry(ctx, t)
	}
}

type retryPayload struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs"`
}

func (m *Manager) scheduleRetry(ctx context.Context, t *Task) {
	id, expect := t.ID, t.RetryCount
	delay := m.policy.Delay(expect)
	m.sched.Schedule(id, delay, func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.HandlerPanic("retry "+id, r)
			}
		}()
		if _, err := m.retry(context.Background(), id, expect); err != nil {
			m.logger.Warn("auto_retry_failed", map[string]interface{}{"task": id, "error": err.Error()})
		}
	})
	m.logger.RetryScheduled(id, expect+1, delay)
	m.events.Publish(ctx, events.KindTask, events.TaskRetryScheduled, id, retryPayload{
		Attempt: expect + 1,
		DelayMs: delay.Milliseconds(),
	})
}

func (m *Manager) publish(ctx context.Context, typ events.Type, t *Task) {
	m.events.Publish(ctx, events.KindTask, typ, t.ID, t)
}

// Close stops pending retries. It does not close the store.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.sched.Stop()
	return nil
}
