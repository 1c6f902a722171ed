package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// maxCASAttempts bounds the read-modify-write loop on one agent record.
const maxCASAttempts = 16

// DefaultMaxConcurrentTasks applies when a spec leaves capacity unset.
const DefaultMaxConcurrentTasks = 3

var (
	validID       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	errScoreRange = errors.InvalidInput("performance scores must be within [0, 1] and response time non-negative")
)

// Outcome says how an assigned task left an agent.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeReleased frees the slot without counting a result, e.g. on
	// cancellation.
	OutcomeReleased Outcome = "released"
)

// Spec describes an agent to register.
type Spec struct {
	ID                 string        `json:"id,omitempty"`
	Name               string        `json:"name"`
	Type               AgentType     `json:"type"`
	Status             Status        `json:"status,omitempty"`
	Capabilities       []string      `json:"capabilities"`
	Specializations    []string      `json:"specializations"`
	Configuration      Configuration `json:"configuration"`
	MaxConcurrentTasks int           `json:"maxConcurrentTasks"`
}

// Validate checks a registration request without filling anything in.
func (s Spec) Validate() error {
	if s.ID != "" && !validID.MatchString(s.ID) {
		return errors.InvalidInput(fmt.Sprintf("invalid agent id %q", s.ID))
	}
	if s.Name == "" {
		return errors.InvalidInput("agent name is required")
	}
	if !s.Type.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown agent type %q", s.Type))
	}
	if s.Status != "" && !s.Status.Valid() {
		return errors.InvalidInput(fmt.Sprintf("unknown agent status %q", s.Status))
	}
	if s.MaxConcurrentTasks < 0 {
		return errors.InvalidInput("maxConcurrentTasks must not be negative")
	}
	return nil
}

// Registry owns agent records and their performance snapshots. All agent
// mutations are compare-and-swap updates against the AgentStore, so several
// callers (or several orchestrator processes sharing a NATS KV bucket) may
// use it concurrently.
type Registry struct {
	agents AgentStore
	perf   PerformanceStore
	events events.Publisher
	clock  scheduler.Clock
	logger *logging.Logger
	tracer *telemetry.Tracer
	newID  func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithClock sets the clock used for timestamps.
func WithClock(c scheduler.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTracer sets the tracer for agent mutations.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithIDGenerator overrides agent id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates a registry over the given stores.
func New(agents AgentStore, perf PerformanceStore, opts ...Option) *Registry {
	r := &Registry{
		agents: agents,
		perf:   perf,
		events: events.Discard,
		clock:  scheduler.SystemClock{},
		logger: logging.Discard(),
		tracer: telemetry.Noop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent stores a new agent with zeroed counters and a neutral
// performance snapshot. Agents start idle unless Spec.Status says otherwise.
func (r *Registry) RegisterAgent(ctx context.Context, spec Spec) (agent *Agent, err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "register", spec.ID)
	defer func() { telemetry.End(span, err) }()

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	a := &Agent{
		ID:                 spec.ID,
		Name:               spec.Name,
		Type:               spec.Type,
		Status:             spec.Status,
		Capabilities:       append([]string{}, spec.Capabilities...),
		Specializations:    append([]string{}, spec.Specializations...),
		Configuration:      spec.Configuration,
		AssignedTasks:      []string{},
		MaxConcurrentTasks: spec.MaxConcurrentTasks,
		CreatedAt:          now,
		LastActiveAt:       now,
	}
	if a.ID == "" {
		a.ID = r.newID()
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}
	if a.MaxConcurrentTasks == 0 {
		a.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}

	if _, err := r.agents.Create(ctx, a); err != nil {
		if stderrors.Is(err, ErrExists) {
			return nil, errors.New(errors.ErrCodeAlreadyExists,
				fmt.Sprintf("agent %s already registered", a.ID), errors.WithAgentID(a.ID))
		}
		return nil, errors.Wrap(err, "register agent", errors.WithAgentID(a.ID))
	}

	perf := NewPerformance(a.ID, now)
	if _, err := r.perf.Put(ctx, perf, 0); err != nil && !stderrors.Is(err, ErrExists) {
		r.logger.Warn("performance init failed", map[string]interface{}{
			"agent": a.ID,
			"error": err.Error(),
		})
	}
	a.Performance = perf

	r.logger.Info("agent registered", map[string]interface{}{
		"agent": a.ID,
		"type":  string(a.Type),
	})
	r.events.Publish(ctx, events.KindAgent, events.AgentRegistered, a.ID, a)
	return a.Clone(), nil
}

// GetAgent returns the agent with its performance snapshot.
func (r *Registry) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, _, err := r.agents.Get(ctx, id)
	if stderrors.Is(err, ErrNotFound) {
		return nil, errors.AgentNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get agent", errors.WithAgentID(id))
	}
	r.hydrate(ctx, a)
	return a, nil
}

// TaskTimeout returns the agent's configured per-task timeout, zero when
// unset or the agent is unknown.
func (r *Registry) TaskTimeout(ctx context.Context, id string) time.Duration {
	a, _, err := r.agents.Get(ctx, id)
	if err != nil {
		return 0
	}
	return a.Configuration.Timeout
}

// ListAgents returns agents passing filter, ordered by id.
func (r *Registry) ListAgents(ctx context.Context, filter Filter) ([]*Agent, error) {
	all, err := r.agents.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	out := make([]*Agent, 0, len(all))
	for _, a := range all {
		if filter.Matches(a) {
			r.hydrate(ctx, a)
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Registry) hydrate(ctx context.Context, a *Agent) {
	p, _, err := r.perf.Get(ctx, a.ID)
	if err != nil {
		if !stderrors.Is(err, ErrNotFound) {
			r.logger.Warn("performance read failed", map[string]interface{}{
				"agent": a.ID,
				"error": err.Error(),
			})
		}
		p = NewPerformance(a.ID, a.CreatedAt)
	}
	a.Performance = p
}

// UpdateStatus moves the agent to status and refreshes lastActiveAt.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) (agent *Agent, err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "status", id)
	defer func() { telemetry.End(span, err) }()

	if !status.Valid() {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown agent status %q", status))
	}
	var from Status
	a, err := r.mutate(ctx, id, func(a *Agent) error {
		from = a.Status
		a.Status = status
		a.LastActiveAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.AgentStatus(id, string(from), string(status))
	payload := statusPayload{Agent: a, From: from, To: status}
	r.events.Publish(ctx, events.KindAgent, events.AgentStatusChanged, id, payload)

	switch status {
	case StatusError:
		if len(a.AssignedTasks) > 0 {
			r.logger.Warn("agent in error with assigned tasks", map[string]interface{}{
				"agent": id,
				"tasks": len(a.AssignedTasks),
			})
		}
	case StatusOffline:
		r.events.Publish(ctx, events.KindAgent, events.AgentOffline, id, payload)
	case StatusOverloaded:
		r.logger.Warn("agent overloaded", map[string]interface{}{
			"agent": id,
			"load":  a.CurrentLoad,
		})
	}
	return a, nil
}

type statusPayload struct {
	Agent *Agent `json:"agent"`
	From  Status `json:"from"`
	To    Status `json:"to"`
}

type taskPayload struct {
	Agent   *Agent  `json:"agent"`
	TaskID  string  `json:"taskId"`
	Outcome Outcome `json:"outcome,omitempty"`
}

// AssignTask appends taskID to the agent's assigned tasks. The agent must
// be active, idle or busy and below capacity.
func (r *Registry) AssignTask(ctx context.Context, agentID, taskID string) (agent *Agent, err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "assign", agentID)
	defer func() { telemetry.End(span, err) }()

	if taskID == "" {
		return nil, errors.InvalidInput("task id is required")
	}
	a, err := r.mutate(ctx, agentID, func(a *Agent) error {
		if !a.Status.Assignable() {
			return errors.InvalidState(
				fmt.Sprintf("agent %s is %s", a.ID, a.Status),
				errors.WithAgentID(a.ID), errors.WithTaskID(taskID))
		}
		if a.HasTask(taskID) {
			return errors.New(errors.ErrCodeAlreadyExists,
				fmt.Sprintf("task %s already assigned to agent %s", taskID, a.ID),
				errors.WithAgentID(a.ID), errors.WithTaskID(taskID))
		}
		if a.Full() {
			return errors.New(errors.ErrCodeCapacityExceeded,
				fmt.Sprintf("agent %s is at capacity (%d)", a.ID, a.MaxConcurrentTasks),
				errors.WithAgentID(a.ID), errors.WithTaskID(taskID))
		}
		a.AssignedTasks = append(a.AssignedTasks, taskID)
		a.recomputeLoad()
		a.LastActiveAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.events.Publish(ctx, events.KindAgent, events.AgentTaskAssigned, agentID, taskPayload{Agent: a, TaskID: taskID})
	return a, nil
}

// UnassignTask releases a completed task from the agent.
func (r *Registry) UnassignTask(ctx context.Context, agentID, taskID string) (*Agent, error) {
	return r.ReleaseTask(ctx, agentID, taskID, OutcomeCompleted, 0)
}

// ReleaseTask removes taskID from the agent and records the outcome.
// elapsed feeds the response time average when positive.
func (r *Registry) ReleaseTask(ctx context.Context, agentID, taskID string, outcome Outcome, elapsed time.Duration) (agent *Agent, err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "release", agentID)
	defer func() { telemetry.End(span, err) }()

	var typ events.Type
	switch outcome {
	case OutcomeCompleted:
		typ = events.AgentTaskCompleted
	case OutcomeFailed:
		typ = events.AgentTaskFailed
	case OutcomeReleased:
		typ = events.AgentTaskReleased
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown outcome %q", outcome))
	}

	a, err := r.mutate(ctx, agentID, func(a *Agent) error {
		i := indexOf(a.AssignedTasks, taskID)
		if i < 0 {
			return errors.NotFound(
				fmt.Sprintf("task %s is not assigned to agent %s", taskID, a.ID),
				errors.WithAgentID(a.ID), errors.WithTaskID(taskID))
		}
		a.AssignedTasks = append(a.AssignedTasks[:i], a.AssignedTasks[i+1:]...)
		switch outcome {
		case OutcomeCompleted:
			a.CompletedTasks++
		case OutcomeFailed:
			a.FailedTasks++
		}
		a.recomputeLoad()
		a.LastActiveAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome != OutcomeReleased {
		r.recordOutcome(ctx, a, elapsed)
	}
	r.events.Publish(ctx, events.KindAgent, typ, agentID, taskPayload{Agent: a, TaskID: taskID, Outcome: outcome})
	return a, nil
}

func (r *Registry) recordOutcome(ctx context.Context, a *Agent, elapsed time.Duration) {
	_, err := r.mutatePerformance(ctx, a.ID, func(p *Performance) {
		p.recordOutcome(a.CompletedTasks, a.FailedTasks, elapsed, r.clock.Now())
	})
	if err != nil {
		r.logger.Warn("performance update failed", map[string]interface{}{
			"agent": a.ID,
			"error": err.Error(),
		})
	}
}

// DeregisterAgent removes an agent with no assigned tasks.
func (r *Registry) DeregisterAgent(ctx context.Context, id string) (err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "deregister", id)
	defer func() { telemetry.End(span, err) }()

	a, err := r.mutate(ctx, id, func(a *Agent) error {
		if len(a.AssignedTasks) > 0 {
			return errors.New(errors.ErrCodeHasActiveTasks,
				fmt.Sprintf("agent %s still has %d assigned tasks", a.ID, len(a.AssignedTasks)),
				errors.WithAgentID(a.ID))
		}
		a.Status = StatusOffline
		a.LastActiveAt = r.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.agents.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "deregister agent", errors.WithAgentID(id))
	}
	if err := r.perf.Delete(ctx, id); err != nil {
		r.logger.Warn("performance delete failed", map[string]interface{}{
			"agent": id,
			"error": err.Error(),
		})
	}

	r.logger.Info("agent deregistered", map[string]interface{}{"agent": id})
	r.events.Publish(ctx, events.KindAgent, events.AgentOffline, id, a)
	r.events.Publish(ctx, events.KindAgent, events.AgentDeregistered, id, a)
	return nil
}

// Touch records activity from the agent. An offline agent that reports in
// comes back as idle or busy according to its load.
func (r *Registry) Touch(ctx context.Context, id string, at time.Time) (*Agent, error) {
	var revived bool
	a, err := r.mutate(ctx, id, func(a *Agent) error {
		revived = false
		if at.After(a.LastActiveAt) {
			a.LastActiveAt = at
		}
		if a.Status == StatusOffline {
			revived = true
			a.Status = StatusIdle
			a.recomputeLoad()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if revived {
		r.logger.AgentStatus(id, string(StatusOffline), string(a.Status))
		r.events.Publish(ctx, events.KindAgent, events.AgentStatusChanged, id,
			statusPayload{Agent: a, From: StatusOffline, To: a.Status})
	}
	return a, nil
}

// UpdatePerformance applies scores from an evaluator.
func (r *Registry) UpdatePerformance(ctx context.Context, id string, update PerformanceUpdate) (perf *Performance, err error) {
	ctx, span := r.tracer.StartAgentSpan(ctx, "performance", id)
	defer func() { telemetry.End(span, err) }()

	if err := update.validate(); err != nil {
		return nil, err
	}
	if _, _, err := r.agents.Get(ctx, id); err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, errors.AgentNotFound(id)
		}
		return nil, errors.Wrap(err, "update performance", errors.WithAgentID(id))
	}
	p, err := r.mutatePerformance(ctx, id, func(p *Performance) {
		p.apply(update, r.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	r.events.Publish(ctx, events.KindAgent, events.AgentPerformanceUpdated, id, p)
	return p, nil
}

// GetPerformance returns the agent's performance snapshot.
func (r *Registry) GetPerformance(ctx context.Context, id string) (*Performance, error) {
	a, err := r.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Performance, nil
}

// mutate applies fn to the agent under compare-and-swap. fn may run more
// than once and must only touch the agent it is given.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*Agent) error) (*Agent, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		a, rev, err := r.agents.Get(ctx, id)
		if stderrors.Is(err, ErrNotFound) {
			return nil, errors.AgentNotFound(id)
		}
		if err != nil {
			return nil, errors.Wrap(err, "read agent", errors.WithAgentID(id))
		}
		if err := fn(a); err != nil {
			return nil, err
		}
		_, err = r.agents.Update(ctx, a, rev)
		if stderrors.Is(err, ErrConflict) {
			continue
		}
		if stderrors.Is(err, ErrNotFound) {
			return nil, errors.AgentNotFound(id)
		}
		if err != nil {
			return nil, errors.Wrap(err, "write agent", errors.WithAgentID(id))
		}
		r.hydrate(ctx, a)
		return a, nil
	}
	return nil, errors.Conflict(fmt.Sprintf("agent %s: too many concurrent updates", id), errors.WithAgentID(id))
}

func (r *Registry) mutatePerformance(ctx context.Context, id string, fn func(*Performance)) (*Performance, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		p, rev, err := r.perf.Get(ctx, id)
		if stderrors.Is(err, ErrNotFound) {
			p, rev = NewPerformance(id, r.clock.Now()), 0
		} else if err != nil {
			return nil, errors.Wrap(err, "read performance", errors.WithAgentID(id))
		}
		fn(p)
		_, err = r.perf.Put(ctx, p, rev)
		if stderrors.Is(err, ErrConflict) || stderrors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "write performance", errors.WithAgentID(id))
		}
		return p, nil
	}
	return nil, errors.Conflict(fmt.Sprintf("performance %s: too many concurrent updates", id), errors.WithAgentID(id))
}
