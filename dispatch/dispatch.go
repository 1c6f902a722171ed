package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/state"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// Subjects and keys shared with agents and other dispatchers.
const (
	ResultSubject = "tasks.results"
	ResultQueue   = "dispatchers"
	LeaderKey     = "dispatch.leader"
)

// TaskSubject is the subject an agent receives its tasks on.
func TaskSubject(agentID string) string {
	return "agents." + agentID + ".tasks"
}

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("dispatcher already started")
	ErrNotStarted     = stderrors.New("dispatcher not started")
)

// Lifecycle is the part of tasks.Manager the dispatcher drives.
type Lifecycle interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	QueuedTasks(ctx context.Context) ([]*tasks.Task, error)
	DependenciesMet(ctx context.Context, t *tasks.Task) (bool, error)
	AssignTask(ctx context.Context, taskID, agentID string) (*tasks.Task, error)
	StartTask(ctx context.Context, id string) (*tasks.Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) (*tasks.Task, error)
	FailTask(ctx context.Context, id string, cause error) (*tasks.Task, error)
	TimeoutTask(ctx context.Context, id string) (*tasks.Task, error)
	ExpireOverdue(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config tunes the dispatch loop.
type Config struct {
	// Interval between dispatch cycles.
	// Default: 1 second
	Interval time.Duration

	// LeaderTTL is the lease on the leader lock. Refreshed every cycle.
	// Default: 10 seconds
	LeaderTTL time.Duration

	// Retention for finished tasks. Zero disables cleanup.
	Retention time.Duration

	// CleanupInterval between cleanup passes.
	// Default: 1 hour
	CleanupInterval time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Second,
		LeaderTTL:       10 * time.Second,
		Retention:       tasks.DefaultRetention,
		CleanupInterval: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = def.LeaderTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

// Dispatcher moves queued tasks to agents over the bus and applies the
// results agents report back.
type Dispatcher struct {
	tasks  Lifecycle
	bus    bus.MessageBus
	locks  state.StateStore
	clock  scheduler.Clock
	tracer *telemetry.Tracer
	logger *logging.Logger
	cfg    Config

	leaderMu    sync.Mutex
	lease       state.Lock
	lastCleanup time.Time

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLeaderStore makes the dispatcher take the leader lock in store
// before each cycle. Without it every cycle runs.
func WithLeaderStore(store state.StateStore) Option {
	return func(d *Dispatcher) { d.locks = store }
}

func WithClock(c scheduler.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.WithComponent("dispatch") }
}

// New creates a dispatcher. It does nothing until Start.
func New(lc Lifecycle, msgBus bus.MessageBus, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tasks:  lc,
		bus:    msgBus,
		clock:  scheduler.SystemClock{},
		tracer: telemetry.Noop(),
		logger: logging.Discard(),
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to agent results and runs the dispatch loop until Stop
// or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := d.bus.QueueSubscribe(ResultSubject, ResultQueue)
	if err != nil {
		d.running.Store(false)
		return fmt.Errorf("subscribe %s: %w", ResultSubject, err)
	}
	d.sub = sub
	d.stopCh = make(chan struct{})

	d.wg.Add(2)
	go d.loop(ctx)
	go d.listen(ctx)

	d.logger.Info("dispatcher started", map[string]interface{}{
		"interval": d.cfg.Interval.String(),
		"leader":   d.locks != nil,
	})
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Cycle(ctx); err != nil {
				d.logger.Warn("dispatch cycle failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (d *Dispatcher) listen(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			r, err := tasks.UnmarshalTaskResult(msg.Data)
			if err != nil {
				d.logger.Warn("malformed task result", map[string]interface{}{"error": err.Error()})
				continue
			}
			if err := d.HandleResult(ctx, r); err != nil {
				d.logger.Warn("task result rejected", map[string]interface{}{
					"task":   r.TaskID,
					"agent":  r.AgentID,
					"status": string(r.Status),
					"error":  err.Error(),
				})
			}
		}
	}
}

// Stop ends the loop and releases the leader lock if held.
func (d *Dispatcher) Stop() error {
	if !d.running.Swap(false) {
		return ErrNotStarted
	}
	d.sub.Unsubscribe()
	close(d.stopCh)
	d.wg.Wait()

	d.leaderMu.Lock()
	defer d.leaderMu.Unlock()
	if d.lease != nil {
		if err := d.lease.Unlock(); err != nil && !stderrors.Is(err, state.ErrLockNotHeld) {
			d.logger.Warn("leader unlock failed", map[string]interface{}{"error": err.Error()})
		}
		d.lease = nil
	}
	return nil
}

// Cycle runs one dispatch pass: expire overdue tasks, then hand queued
// tasks to agents, highest priority and oldest first. It returns how many
// tasks were sent. A follower does nothing.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	if !d.lead(ctx) {
		return 0, nil
	}
	start := d.clock.Now()

	expired, err := d.tasks.ExpireOverdue(ctx)
	if err != nil {
		return 0, err
	}

	queued, err := d.tasks.QueuedTasks(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, t := range queued {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, t) {
			sent++
		}
	}

	d.cleanup(ctx)
	d.logger.DispatchCycle(sent, expired, d.clock.Now().Sub(start))
	return sent, nil
}

// dispatch assigns one queued task and sends it to the agent.
func (d *Dispatcher) dispatch(ctx context.Context, t *tasks.Task) bool {
	met, err := d.tasks.DependenciesMet(ctx, t)
	if err != nil || !met {
		return false
	}

	assigned, err := d.tasks.AssignTask(ctx, t.ID, "")
	if err != nil {
		switch errors.Code(err) {
		case errors.ErrCodeNoAgentAvailable, errors.ErrCodeCapacityExceeded,
			errors.ErrCodeInvalidState, errors.ErrCodeDependencyPending:
			d.logger.Debug("task not dispatched", map[string]interface{}{
				"task":   t.ID,
				"reason": string(errors.Code(err)),
			})
		default:
			d.logger.Warn("assign failed", map[string]interface{}{"task": t.ID, "error": err.Error()})
		}
		return false
	}

	if err := d.send(ctx, assigned); err != nil {
		d.logger.Warn("send failed", map[string]interface{}{
			"task":  t.ID,
			"agent": assigned.AssignedAgentID,
			"error": err.Error(),
		})
		cause := errors.New(errors.ErrCodeUnavailable, "task could not be sent to agent",
			errors.WithTaskID(t.ID),
			errors.WithAgentID(assigned.AssignedAgentID),
			errors.WithCause(err))
		if _, ferr := d.tasks.FailTask(ctx, t.ID, cause); ferr != nil {
			d.logger.Warn("fail after send error", map[string]interface{}{"task": t.ID, "error": ferr.Error()})
		}
		return false
	}
	return true
}

func (d *Dispatcher) send(ctx context.Context, t *tasks.Task) (err error) {
	ctx, span := d.tracer.StartDispatchSpan(ctx, t.ID, t.AssignedAgentID)
	defer func() { telemetry.End(span, err) }()

	msg := tasks.NewTaskMessage(t, ResultSubject, d.clock.Now())
	telemetry.InjectContext(ctx, telemetry.MapCarrier(msg.Headers))
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return d.bus.Publish(TaskSubject(t.AssignedAgentID), data)
}

// HandleResult applies an agent's report to its task. Reports from an
// agent the task is no longer assigned to, or for an earlier attempt, are
// ignored. Attempt 0 matches any attempt.
func (d *Dispatcher) HandleResult(ctx context.Context, r *tasks.TaskResult) (err error) {
	ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(r.Headers))
	ctx, span := d.tracer.StartResultSpan(ctx, r.TaskID, string(r.Status))
	defer func() { telemetry.End(span, err) }()

	t, err := d.tasks.GetTask(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if t.AssignedAgentID != r.AgentID {
		d.logger.Debug("stale task result", map[string]interface{}{
			"task":     r.TaskID,
			"from":     r.AgentID,
			"assigned": t.AssignedAgentID,
		})
		return nil
	}
	if r.Attempt != 0 && r.Attempt != t.RetryCount+1 {
		d.logger.Debug("stale task result", map[string]interface{}{
			"task":    r.TaskID,
			"attempt": r.Attempt,
			"current": t.RetryCount + 1,
		})
		return nil
	}

	switch r.Status {
	case tasks.ResultAccepted:
		_, err = d.tasks.StartTask(ctx, r.TaskID)
	case tasks.ResultCompleted:
		_, err = d.tasks.CompleteTask(ctx, r.TaskID, r.Result)
	case tasks.ResultFailed:
		_, err = d.tasks.FailTask(ctx, r.TaskID, r.Err())
	case tasks.ResultTimeout:
		_, err = d.tasks.TimeoutTask(ctx, r.TaskID)
	default:
		return errors.InvalidInput(fmt.Sprintf("unknown result status %q", r.Status))
	}
	return err
}

// lead reports whether this dispatcher may run a cycle, taking or
// refreshing the leader lease as needed.
func (d *Dispatcher) lead(ctx context.Context) bool {
	if d.locks == nil {
		return true
	}
	d.leaderMu.Lock()
	defer d.leaderMu.Unlock()

	if d.lease != nil {
		err := d.lease.Refresh()
		if err == nil {
			return true
		}
		d.logger.Warn("leadership lost", map[string]interface{}{"error": err.Error()})
		d.lease = nil
	}

	lease, err := d.locks.Lock(ctx, LeaderKey, d.cfg.LeaderTTL)
	if err != nil {
		if !stderrors.Is(err, state.ErrLockHeld) {
			d.logger.Warn("leader lock failed", map[string]interface{}{"error": err.Error()})
		}
		return false
	}
	d.lease = lease
	d.logger.Info("dispatcher is leader")
	return true
}

// IsLeader reports whether the dispatcher currently holds the lease.
func (d *Dispatcher) IsLeader() bool {
	if d.locks == nil {
		return true
	}
	d.leaderMu.Lock()
	defer d.leaderMu.Unlock()
	return d.lease != nil
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	if d.cfg.Retention <= 0 {
		return
	}
	now := d.clock.Now()
	if !d.lastCleanup.IsZero() && now.Sub(d.lastCleanup) < d.cfg.CleanupInterval {
		return
	}
	d.lastCleanup = now
	n, err := d.tasks.Cleanup(ctx, d.cfg.Retention)
	if err != nil {
		d.logger.Warn("cleanup failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		d.logger.Info("finished tasks removed", map[string]interface{}{"count": n})
	}
}
