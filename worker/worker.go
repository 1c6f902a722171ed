// Package worker runs the agent side of the dispatch protocol: it receives
// TaskMessages on agents.<id>.tasks, runs a Handler and reports TaskResults
// back, while sending heartbeats.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/dispatch"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/heartbeat"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// Handler executes one task and returns its result. Returning a coded
// error controls the reported code and whether the task is retried.
type Handler func(ctx context.Context, msg *tasks.TaskMessage) (json.RawMessage, error)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("worker already started")
	ErrNotStarted     = stderrors.New("worker not started")
	ErrInvalidConfig  = stderrors.New("invalid worker configuration")
)

// Config configures a Worker.
type Config struct {
	AgentID string

	// Capacity is how many tasks run at once. Extra tasks are refused
	// with a retryable CAPACITY_EXCEEDED failure.
	// Default: 1
	Capacity int

	// HeartbeatInterval, zero for the heartbeat default.
	HeartbeatInterval time.Duration
}

// Worker executes tasks for one agent.
type Worker struct {
	id       string
	capacity int
	bus      bus.MessageBus
	handler  Handler
	sender   *heartbeat.BusSender
	clock    scheduler.Clock
	tracer   *telemetry.Tracer
	logger   *logging.Logger

	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64

	running atomic.Bool
	sub     bus.Subscription
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	taskWG  sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

func WithClock(c scheduler.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

func WithTracer(t *telemetry.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l.WithComponent("worker") }
}

// New creates a worker. It does nothing until Start.
func New(msgBus bus.MessageBus, cfg Config, handler Handler, opts ...Option) (*Worker, error) {
	if msgBus == nil || cfg.AgentID == "" || handler == nil {
		return nil, ErrInvalidConfig
	}
	w := &Worker{
		id:       cfg.AgentID,
		capacity: max(cfg.Capacity, 1),
		bus:      msgBus,
		handler:  handler,
		clock:    scheduler.SystemClock{},
		tracer:   telemetry.Noop(),
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:      msgBus,
		AgentID:  cfg.AgentID,
		Interval: cfg.HeartbeatInterval,
		Clock:    w.clock,
		Logger:   w.logger,
	})
	if err != nil {
		return nil, err
	}
	w.sender = sender
	return w, nil
}

// Start subscribes to the agent's task subject and begins heartbeats.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := w.bus.Subscribe(dispatch.TaskSubject(w.id))
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("subscribe tasks: %w", err)
	}
	w.sub = sub

	ctx, w.cancel = context.WithCancel(ctx)
	w.sender.SetLoad(0, w.capacity)
	if err := w.sender.Start(ctx); err != nil {
		w.cancel()
		sub.Unsubscribe()
		w.running.Store(false)
		return err
	}

	w.loopWG.Add(1)
	go w.loop(ctx)
	w.logger.Info("worker started", map[string]interface{}{
		"agent":    w.id,
		"capacity": w.capacity,
	})
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.loopWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.sub.Messages():
			if !ok {
				return
			}
			tm, err := tasks.UnmarshalTaskMessage(msg.Data)
			if err == nil {
				err = tm.Validate()
			}
			if err != nil {
				w.logger.Warn("malformed task message", map[string]interface{}{"error": err.Error()})
				continue
			}
			w.accept(ctx, tm)
		}
	}
}

func (w *Worker) accept(ctx context.Context, tm *tasks.TaskMessage) {
	if n := w.active.Add(1); int(n) > w.capacity {
		w.active.Add(-1)
		r := w.result(tm, tasks.ResultFailed)
		r.Code = errors.ErrCodeCapacityExceeded
		r.Error = "worker at capacity"
		r.Retryable = true
		w.report(ctx, tm, r)
		return
	}
	w.updateLoad()

	w.taskWG.Add(1)
	go func() {
		defer w.taskWG.Done()
		defer func() {
			w.active.Add(-1)
			w.updateLoad()
		}()
		w.execute(ctx, tm)
	}()
}

func (w *Worker) execute(ctx context.Context, tm *tasks.TaskMessage) {
	ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(tm.Headers))
	ctx, span := w.tracer.StartTaskSpan(ctx, "execute", tm.TaskID)
	start := w.clock.Now()

	w.report(ctx, tm, w.result(tm, tasks.ResultAccepted))

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if tm.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(tm.TimeoutMs)*time.Millisecond)
	} else if tm.Deadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *tm.Deadline)
	}
	out, err := w.call(runCtx, tm)
	timedOut := stderrors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	var r *tasks.TaskResult
	switch {
	case timedOut:
		r = w.result(tm, tasks.ResultTimeout)
		w.failed.Add(1)
	case err != nil:
		r = w.result(tm, tasks.ResultFailed)
		r.Error = err.Error()
		r.Code = errors.Code(err)
		r.Retryable = errors.IsRetryable(err)
		var coded *errors.Error
		if stderrors.As(err, &coded) {
			r.Error = coded.Message()
		}
		w.failed.Add(1)
	default:
		r = w.result(tm, tasks.ResultCompleted)
		r.Result = out
		w.processed.Add(1)
	}
	r.DurationMs = w.clock.Now().Sub(start).Milliseconds()
	w.report(ctx, tm, r)
	telemetry.End(span, err)
}

// call runs the handler, turning a panic into a PANIC failure.
func (w *Worker) call(ctx context.Context, tm *tasks.TaskMessage) (out json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.HandlerPanic("worker "+w.id, rec)
			err = errors.RecoverPanic(rec)
		}
	}()
	return w.handler(ctx, tm)
}

func (w *Worker) result(tm *tasks.TaskMessage, status tasks.ResultStatus) *tasks.TaskResult {
	r := tasks.NewTaskResult(tm.TaskID, w.id, status, w.clock.Now())
	r.Attempt = tm.Attempt
	r.Headers = make(map[string]string)
	return r
}

func (w *Worker) report(ctx context.Context, tm *tasks.TaskMessage, r *tasks.TaskResult) {
	subject := tm.ReplyTo
	if subject == "" {
		subject = dispatch.ResultSubject
	}
	telemetry.InjectContext(ctx, telemetry.MapCarrier(r.Headers))
	data, err := r.Marshal()
	if err == nil {
		err = w.bus.Publish(subject, data)
	}
	if err != nil {
		w.logger.Warn("result publish failed", map[string]interface{}{
			"task":   tm.TaskID,
			"status": string(r.Status),
			"error":  err.Error(),
		})
	}
}

func (w *Worker) updateLoad() {
	n := int(w.active.Load())
	w.sender.SetLoad(n, w.capacity)
	if n > 0 {
		w.sender.SetStatus("busy")
	} else {
		w.sender.SetStatus("idle")
	}
}

// Stats returns how many tasks completed and failed.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

// Stop stops taking tasks and waits for running ones to report.
func (w *Worker) Stop() error {
	if !w.running.Swap(false) {
		return ErrNotStarted
	}
	w.sub.Unsubscribe()
	w.loopWG.Wait()
	w.taskWG.Wait()
	w.cancel()
	if err := w.sender.Stop(); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
		return err
	}
	return nil
}
