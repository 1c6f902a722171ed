package tasks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/retry"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/selector"
	"github.com/vinayprograms/taskmesh/state"
)

// recorder is a synchronous events.Publisher that keeps task event types.
type recorder struct {
	mu  sync.Mutex
	got []events.Type
}

func (r *recorder) Publish(_ context.Context, kind events.Kind, typ events.Type, _ string, _ interface{}) {
	if kind != events.KindTask {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, typ)
}

func (r *recorder) has(typ events.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.got {
		if t == typ {
			return true
		}
	}
	return false
}

func (r *recorder) since(n int) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Type(nil), r.got[n:]...)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

var testStart = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	mgr   *Manager
	reg   *registry.Registry
	clock *scheduler.Manual
	rec   *recorder
}

func newHarness(t *testing.T, opts ...ManagerOption) *harness {
	t.Helper()
	kv := state.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	clock := scheduler.NewManual(testStart)
	reg := registry.New(registry.NewKVAgentStore(kv), registry.NewKVPerformanceStore(kv), registry.WithClock(clock))
	rec := &recorder{}

	policy := retry.DefaultPolicy()
	policy.Jitter = retry.NoJitter

	seq := 0
	base := []ManagerOption{
		WithAgents(reg),
		WithMatcher(selector.New(reg)),
		WithEvents(rec),
		WithRetryPolicy(policy),
		WithScheduler(clock),
		WithClock(clock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("task-%02d", seq)
		}),
	}
	mgr := NewManager(NewKVStore(kv), append(base, opts...)...)
	t.Cleanup(func() { mgr.Close() })
	return &harness{mgr: mgr, reg: reg, clock: clock, rec: rec}
}

func (h *harness) agent(t *testing.T, id string, capacity int) {
	t.Helper()
	_, err := h.reg.RegisterAgent(context.Background(), registry.Spec{
		ID:                 id,
		Name:               "agent " + id,
		Type:               registry.TypeContentCreator,
		Capabilities:       []string{"content_generation", "meditation_expertise"},
		Specializations:    []string{string(TypeContentGeneration)},
		MaxConcurrentTasks: capacity,
	})
	if err != nil {
		t.Fatalf("RegisterAgent(%s): %v", id, err)
	}
}

func (h *harness) create(t *testing.T, mutate ...func(*Spec)) *Task {
	t.Helper()
	spec := Spec{
		Type:    TypeContentGeneration,
		Context: Context{Params: ContentParams{Topic: "pernapasan"}},
	}
	for _, fn := range mutate {
		fn(&spec)
	}
	task, err := h.mgr.CreateTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

// running creates a task and drives it to in_progress on agent-a.
func (h *harness) running(t *testing.T, mutate ...func(*Spec)) *Task {
	t.Helper()
	ctx := context.Background()
	task := h.create(t, mutate...)
	if _, err := h.mgr.AssignTask(ctx, task.ID, "agent-a"); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	task, err := h.mgr.StartTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	return task
}

func (h *harness) get(t *testing.T, id string) *Task {
	t.Helper()
	task, err := h.mgr.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return task
}

func wantCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if !errors.Is(err, code) {
		t.Fatalf("error = %v (code %q), want %s", err, errors.Code(err), code)
	}
}

func retryable(msg string) error {
	return errors.New(errors.ErrCodeUnavailable, msg)
}

func intPtr(n int) *int { return &n }

// --- Unit Tests ---

func TestCreateTask_RoutesToQueued(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	if task.Status != StatusQueued {
		t.Errorf("Status = %s, want queued", task.Status)
	}
	if task.RetryCount != 0 || task.MaxRetries != DefaultMaxRetries {
		t.Errorf("retries = %d/%d", task.RetryCount, task.MaxRetries)
	}
	if task.Priority != PriorityMedium {
		t.Errorf("Priority = %s, want medium default", task.Priority)
	}
	if !task.CreatedAt.Equal(testStart) {
		t.Errorf("CreatedAt = %v", task.CreatedAt)
	}
	got := h.rec.since(0)
	if len(got) != 2 || got[0] != events.TaskCreated || got[1] != events.TaskQueued {
		t.Errorf("events = %v, want [created queued]", got)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		spec Spec
	}{
		{"unknown type", Spec{Type: "horoscope"}},
		{"bad priority", Spec{Type: TypeDataSync, Priority: "critical"}},
		{"too many retries", Spec{Type: TypeDataSync, MaxRetries: intPtr(MaxRetriesLimit + 1)}},
		{"negative retries", Spec{Type: TypeDataSync, MaxRetries: intPtr(-1)}},
		{"wrong params", Spec{Type: TypeDataSync, Context: Context{Params: ContentParams{Topic: "x"}}}},
		{"missing topic", Spec{Type: TypeMeditationScript}},
		{"empty dependency", Spec{Type: TypeDataSync, Dependencies: []string{""}}},
		{"duplicate dependency", Spec{Type: TypeDataSync, Dependencies: []string{"a", "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.CreateTask(context.Background(), tt.spec)
			wantCode(t, err, errors.ErrCodeInvalidInput)
		})
	}
	if h.rec.len() != 0 {
		t.Errorf("rejected specs emitted events: %v", h.rec.since(0))
	}
}

func TestCreateTask_Idempotent(t *testing.T) {
	h := newHarness(t)
	key := func(s *Spec) { s.IdempotencyKey = "user-7/daily-script" }

	first := h.create(t, key)
	second := h.create(t, key)
	if first.ID != second.ID {
		t.Errorf("second create returned %s, want %s", second.ID, first.ID)
	}
	list, err := h.mgr.ListTasks(context.Background(), Query{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("stored %d tasks, want 1", len(list))
	}
}

func TestCreateTask_RoutingFailure(t *testing.T) {
	h := newHarness(t)
	task := h.create(t, func(s *Spec) { s.Dependencies = []string{"does-not-exist"} })

	if task.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", task.Status)
	}
	if task.Error == nil || task.Error.Code != errors.ErrCodeRoutingError || !task.Error.Retryable {
		t.Fatalf("Error = %+v, want retryable ROUTING_ERROR", task.Error)
	}
	if task.FailedAt == nil || task.CompletedAt != nil {
		t.Error("failedAt must be set and completedAt unset on failed")
	}
	if !h.clock.Pending(task.ID) {
		t.Error("routing failure should schedule a retry")
	}
}

func TestCreateTask_RouteGuard(t *testing.T) {
	h := newHarness(t, WithRouteGuard(func(context.Context, *Task) error {
		return stderrors.New("queue unavailable")
	}))
	task := h.create(t)
	if task.Status != StatusFailed || task.Error.Code != errors.ErrCodeRoutingError {
		t.Errorf("got %s / %+v", task.Status, task.Error)
	}
}

func TestAutoRetryScenario(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	task := h.running(t)
	mark := h.rec.len()

	failed, err := h.mgr.FailTask(ctx, task.ID, retryable("model endpoint unreachable"))
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if failed.Status != StatusFailed || failed.RetryCount != 0 {
		t.Fatalf("after fail: %s retry=%d", failed.Status, failed.RetryCount)
	}
	due, ok := h.clock.DueIn(task.ID)
	if !ok {
		t.Fatal("no retry scheduled")
	}
	if due != time.Second {
		t.Errorf("retry due in %v, want 1s", due)
	}

	agent, _ := h.reg.GetAgent(ctx, "agent-a")
	if len(agent.AssignedTasks) != 0 || agent.FailedTasks != 1 || agent.CurrentLoad != 0 {
		t.Errorf("agent after failure: tasks=%v failed=%d load=%d", agent.AssignedTasks, agent.FailedTasks, agent.CurrentLoad)
	}

	if ran := h.clock.Advance(time.Second); ran != 1 {
		t.Fatalf("Advance ran %d callbacks, want 1", ran)
	}
	got := h.get(t, task.ID)
	if got.Status != StatusQueued || got.RetryCount != 1 {
		t.Errorf("after retry: %s retry=%d, want queued retry=1", got.Status, got.RetryCount)
	}
	if got.Error != nil || got.AssignedAgentID != "" || got.FailedAt != nil {
		t.Errorf("retry did not reset task: %+v", got)
	}

	want := []events.Type{events.TaskFailed, events.TaskRetryScheduled, events.TaskRetrying, events.TaskQueued}
	if seq := h.rec.since(mark); fmt.Sprint(seq) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", seq, want)
	}
}

func TestFailTask_NonRetryable(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 1)
	task := h.running(t)

	got, err := h.mgr.FailTask(context.Background(), task.ID, stderrors.New("script rejected by reviewer"))
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if got.Error.Code != errors.ErrCodeTaskFailed || got.Error.Retryable {
		t.Errorf("Error = %+v", got.Error)
	}
	if h.clock.Pending(task.ID) {
		t.Error("non-retryable failure scheduled a retry")
	}
}

func TestRetryTask_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	queued := h.create(t)
	_, err := h.mgr.RetryTask(ctx, queued.ID)
	wantCode(t, err, errors.ErrCodeInvalidState)

	exhausted := h.create(t, func(s *Spec) { s.MaxRetries = intPtr(0) })
	if _, err := h.mgr.FailTask(ctx, exhausted.ID, retryable("flaky")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if h.clock.Pending(exhausted.ID) {
		t.Error("retry scheduled with no retries left")
	}
	_, err = h.mgr.RetryTask(ctx, exhausted.ID)
	wantCode(t, err, errors.ErrCodeRetryExhausted)

	_, err = h.mgr.RetryTask(ctx, "nope")
	wantCode(t, err, errors.ErrCodeNotFound)
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 1)
	ctx := context.Background()

	task := h.create(t, func(s *Spec) { s.MaxRetries = intPtr(2) })
	for attempt := 0; attempt < 5; attempt++ {
		cur := h.get(t, task.ID)
		if cur.Status != StatusQueued {
			break
		}
		if _, err := h.mgr.AssignTask(ctx, task.ID, ""); err != nil {
			t.Fatalf("attempt %d AssignTask: %v", attempt, err)
		}
		if _, err := h.mgr.FailTask(ctx, task.ID, retryable("timeout talking to model")); err != nil {
			t.Fatalf("attempt %d FailTask: %v", attempt, err)
		}
		h.clock.Advance(time.Minute)
		if got := h.get(t, task.ID); got.RetryCount > got.MaxRetries {
			t.Fatalf("retryCount %d exceeds max %d", got.RetryCount, got.MaxRetries)
		}
	}

	final := h.get(t, task.ID)
	if final.Status != StatusFailed || final.RetryCount != 2 {
		t.Errorf("final = %s retry=%d, want failed retry=2", final.Status, final.RetryCount)
	}
	if h.clock.Pending(task.ID) {
		t.Error("retry still scheduled after exhaustion")
	}
}

func TestCancelTask_DropsPendingRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.create(t)
	if _, err := h.mgr.FailTask(ctx, task.ID, retryable("cdn down")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if !h.clock.Pending(task.ID) {
		t.Fatal("expected a pending retry")
	}

	// A manual retry leaves the timer armed while the task sits queued.
	queued, err := h.mgr.RetryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if queued.Status != StatusQueued || !h.clock.Pending(task.ID) {
		t.Fatalf("status=%s pending=%v", queued.Status, h.clock.Pending(task.ID))
	}

	cancelled, err := h.mgr.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CompletedAt == nil {
		t.Errorf("cancelled = %s completedAt=%v", cancelled.Status, cancelled.CompletedAt)
	}
	if h.clock.Pending(task.ID) {
		t.Error("cancel left the retry timer pending")
	}

	if ran := h.clock.Advance(time.Hour); ran != 0 {
		t.Errorf("%d callbacks ran after cancel", ran)
	}
	if got := h.get(t, task.ID); got.Status != StatusCancelled || got.RetryCount != 1 {
		t.Errorf("task resurrected: %s retry=%d", got.Status, got.RetryCount)
	}
}

func TestStaleRetryTimerIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.create(t)
	h.mgr.FailTask(ctx, task.ID, retryable("flaky"))
	if _, err := h.mgr.RetryTask(ctx, task.ID); err != nil {
		t.Fatalf("RetryTask: %v", err)
	}

	h.clock.Advance(time.Minute)
	got := h.get(t, task.ID)
	if got.Status != StatusQueued || got.RetryCount != 1 {
		t.Errorf("stale timer acted: %s retry=%d", got.Status, got.RetryCount)
	}
}

func TestCancelTask_InvalidStates(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	completed := h.running(t)
	if _, err := h.mgr.CompleteTask(ctx, completed.ID, []byte(`{"scriptId":"s1"}`)); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	failed := h.create(t)
	if _, err := h.mgr.FailTask(ctx, failed.ID, stderrors.New("bad input")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	cancelled := h.create(t)
	if _, err := h.mgr.CancelTask(ctx, cancelled.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	for _, id := range []string{completed.ID, failed.ID, cancelled.ID} {
		_, err := h.mgr.CancelTask(ctx, id)
		wantCode(t, err, errors.ErrCodeInvalidState)
	}
}

func TestCancelTask_ReleasesAgent(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 2)
	ctx := context.Background()

	task := h.running(t)
	if _, err := h.mgr.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	agent, _ := h.reg.GetAgent(ctx, "agent-a")
	if len(agent.AssignedTasks) != 0 || agent.CompletedTasks != 0 || agent.FailedTasks != 0 {
		t.Errorf("agent = tasks %v completed %d failed %d", agent.AssignedTasks, agent.CompletedTasks, agent.FailedTasks)
	}
}

func TestAssignTask_UsesSelector(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	task := h.create(t, func(s *Spec) {
		s.Context.Constraints.RequiredCapabilities = []string{"content_generation", "meditation_expertise"}
	})
	got, err := h.mgr.AssignTask(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if got.Status != StatusAssigned || got.AssignedAgentID != "agent-a" {
		t.Errorf("got %s on %q", got.Status, got.AssignedAgentID)
	}
	agent, _ := h.reg.GetAgent(ctx, "agent-a")
	if !agent.HasTask(task.ID) || agent.CurrentLoad != 33 || agent.Status != registry.StatusBusy {
		t.Errorf("agent = %v load %d status %s", agent.AssignedTasks, agent.CurrentLoad, agent.Status)
	}

	_, err = h.mgr.AssignTask(ctx, task.ID, "agent-a")
	wantCode(t, err, errors.ErrCodeInvalidState)
}

func TestAssignTask_NoAgent(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)

	_, err := h.mgr.AssignTask(context.Background(), task.ID, "")
	wantCode(t, err, errors.ErrCodeNoAgentAvailable)
	if got := h.get(t, task.ID); got.Status != StatusQueued {
		t.Errorf("Status = %s, want queued", got.Status)
	}
}

func TestAssignTask_CapacityExceeded(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 1)
	ctx := context.Background()

	first := h.create(t)
	second := h.create(t)
	if _, err := h.mgr.AssignTask(ctx, first.ID, "agent-a"); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	_, err := h.mgr.AssignTask(ctx, second.ID, "agent-a")
	wantCode(t, err, errors.ErrCodeCapacityExceeded)
	if got := h.get(t, second.ID); got.Status != StatusQueued || got.AssignedAgentID != "" {
		t.Errorf("second = %s on %q", got.Status, got.AssignedAgentID)
	}
}

func TestAssignTask_Dependencies(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	parent := h.create(t)
	child := h.create(t, func(s *Spec) { s.Dependencies = []string{parent.ID} })
	if child.Status != StatusQueued {
		t.Fatalf("child Status = %s", child.Status)
	}

	_, err := h.mgr.AssignTask(ctx, child.ID, "agent-a")
	wantCode(t, err, errors.ErrCodeDependencyPending)
	if ok, _ := h.mgr.DependenciesMet(ctx, child); ok {
		t.Error("DependenciesMet before parent completed")
	}

	h.mgr.AssignTask(ctx, parent.ID, "agent-a")
	h.mgr.StartTask(ctx, parent.ID)
	if _, err := h.mgr.CompleteTask(ctx, parent.ID, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if ok, err := h.mgr.DependenciesMet(ctx, child); !ok || err != nil {
		t.Errorf("DependenciesMet = %v, %v", ok, err)
	}
	if _, err := h.mgr.AssignTask(ctx, child.ID, "agent-a"); err != nil {
		t.Errorf("AssignTask after parent completed: %v", err)
	}
}

func TestCompleteTask(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	task := h.running(t)
	h.clock.Advance(2 * time.Second)

	got, err := h.mgr.CompleteTask(ctx, task.ID, []byte(`{"words":420}`))
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil || got.FailedAt != nil {
		t.Errorf("got %s completedAt=%v failedAt=%v", got.Status, got.CompletedAt, got.FailedAt)
	}
	if got.ExecutionTime() != 2*time.Second {
		t.Errorf("ExecutionTime = %v", got.ExecutionTime())
	}
	if string(got.Result) != `{"words":420}` {
		t.Errorf("Result = %s", got.Result)
	}

	agent, _ := h.reg.GetAgent(ctx, "agent-a")
	if agent.CompletedTasks != 1 || agent.CurrentLoad != 0 || agent.Status != registry.StatusIdle {
		t.Errorf("agent completed=%d load=%d status=%s", agent.CompletedTasks, agent.CurrentLoad, agent.Status)
	}

	// Completing twice is a no-op.
	if _, err := h.mgr.CompleteTask(ctx, task.ID, nil); err != nil {
		t.Errorf("second CompleteTask: %v", err)
	}
	agent, _ = h.reg.GetAgent(ctx, "agent-a")
	if agent.CompletedTasks != 1 {
		t.Errorf("completedTasks = %d after repeat", agent.CompletedTasks)
	}
}

func TestStartTask_RequiresAssignment(t *testing.T) {
	h := newHarness(t)
	task := h.create(t)
	_, err := h.mgr.StartTask(context.Background(), task.ID)
	wantCode(t, err, errors.ErrCodeInvalidState)
}

func TestUpdateTask(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()
	task := h.create(t)

	urgent := PriorityUrgent
	mark := h.rec.len()
	h.clock.Advance(time.Minute)
	got, err := h.mgr.UpdateTask(ctx, task.ID, Update{Priority: &urgent})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Priority != PriorityUrgent || !got.UpdatedAt.Equal(testStart.Add(time.Minute)) {
		t.Errorf("priority=%s updatedAt=%v", got.Priority, got.UpdatedAt)
	}
	if seq := h.rec.since(mark); len(seq) != 1 || seq[0] != events.TaskUpdated {
		t.Errorf("events = %v, want [updated]", seq)
	}

	h.mgr.AssignTask(ctx, task.ID, "agent-a")
	inProgress := StatusInProgress
	got, err = h.mgr.UpdateTask(ctx, task.ID, Update{Status: &inProgress})
	if err != nil {
		t.Fatalf("UpdateTask status: %v", err)
	}
	if got.StartedAt == nil || !h.rec.has(events.TaskStarted) {
		t.Error("status change to in_progress did not start the task")
	}

	pending := StatusPending
	_, err = h.mgr.UpdateTask(ctx, task.ID, Update{Status: &pending})
	wantCode(t, err, errors.ErrCodeInvalidState)

	_, err = h.mgr.UpdateTask(ctx, "missing", Update{Priority: &urgent})
	wantCode(t, err, errors.ErrCodeNotFound)
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	slow := h.running(t, func(s *Spec) { s.Context.Constraints.MaxDurationMs = 5000 })
	fine := h.running(t)
	h.clock.Advance(6 * time.Second)

	n, err := h.mgr.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	got := h.get(t, slow.ID)
	if got.Status != StatusTimeout || got.Error == nil || got.Error.Code != errors.ErrCodeTimeout {
		t.Errorf("slow = %s %+v", got.Status, got.Error)
	}
	if h.get(t, fine.ID).Status != StatusInProgress {
		t.Error("task without a limit was expired")
	}

	// A timed out task can still be cancelled.
	if _, err := h.mgr.CancelTask(ctx, slow.ID); err != nil {
		t.Errorf("CancelTask(timeout): %v", err)
	}
}

func TestExpireOverdue_RunningTimeout(t *testing.T) {
	h := newHarness(t, WithRunningTimeout(time.Minute))
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	silent := h.running(t)
	bounded := h.running(t, func(s *Spec) { s.Context.Constraints.MaxDurationMs = int64(time.Hour / time.Millisecond) })
	h.clock.Advance(2 * time.Minute)

	n, err := h.mgr.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	if got := h.get(t, silent.ID).Status; got != StatusTimeout {
		t.Errorf("silent = %s, want timeout", got)
	}
	if got := h.get(t, bounded.ID).Status; got != StatusInProgress {
		t.Errorf("task with its own limit = %s, want in_progress", got)
	}
}

func TestQueuedTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < MaxListLimit+5; i++ {
		h.create(t, func(s *Spec) { s.Priority = PriorityLow })
	}
	h.clock.Advance(time.Second)
	urgent := h.create(t, func(s *Spec) { s.Priority = PriorityUrgent })

	queued, err := h.mgr.QueuedTasks(ctx)
	if err != nil {
		t.Fatalf("QueuedTasks: %v", err)
	}
	if len(queued) != MaxListLimit+6 {
		t.Fatalf("QueuedTasks returned %d, want %d", len(queued), MaxListLimit+6)
	}
	if queued[0].ID != urgent.ID || queued[1].ID != "task-01" {
		t.Errorf("order starts %s, %s", queued[0].ID, queued[1].ID)
	}
}

func TestListTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.create(t)
		h.clock.Advance(time.Second)
	}
	h.create(t, func(s *Spec) {
		s.Type = TypeDataCleanup
		s.Context = Context{Params: MaintenanceParams{RetentionDays: 30}}
	})

	all, err := h.mgr.ListTasks(ctx, Query{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 4 || all[0].Type != TypeDataCleanup {
		t.Errorf("ListTasks = %v", ids(all))
	}

	maint, _ := h.mgr.ListTasks(ctx, Query{Filter: Filter{Types: []Type{TypeDataCleanup}}})
	if len(maint) != 1 {
		t.Errorf("type filter returned %d", len(maint))
	}

	from, to := testStart.Add(time.Hour), testStart
	_, err = h.mgr.ListTasks(ctx, Query{Filter: Filter{CreatedFrom: &from, CreatedTo: &to}})
	wantCode(t, err, errors.ErrCodeInvalidInput)
}

func TestMetricsAndCleanup(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 3)
	ctx := context.Background()

	done := h.running(t)
	h.clock.Advance(2 * time.Second)
	h.mgr.CompleteTask(ctx, done.ID, nil)

	broken := h.create(t, func(s *Spec) { s.Priority = PriorityHigh })
	h.mgr.FailTask(ctx, broken.ID, stderrors.New("invalid script"))

	waiting := h.create(t)

	m, err := h.mgr.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Total != 3 || m.ByStatus[StatusCompleted] != 1 || m.ByStatus[StatusFailed] != 1 || m.ByStatus[StatusQueued] != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.ByPriority[PriorityHigh] != 1 || m.ByType[TypeContentGeneration] != 3 {
		t.Errorf("breakdowns = %v %v", m.ByPriority, m.ByType)
	}
	if m.SuccessRate != 0.5 || m.AverageExecutionTime != 2000 {
		t.Errorf("successRate=%v avgExec=%v", m.SuccessRate, m.AverageExecutionTime)
	}

	h.clock.Advance(8 * 24 * time.Hour)
	removed, err := h.mgr.Cleanup(ctx, 0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed %d, want 2", removed)
	}
	_, err = h.mgr.GetTask(ctx, done.ID)
	wantCode(t, err, errors.ErrCodeNotFound)
	if h.get(t, waiting.ID).Status != StatusQueued {
		t.Error("cleanup touched an unfinished task")
	}
}

func TestConcurrentAssignment(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "agent-a", 4)
	ctx := context.Background()

	var taskIDs []string
	for i := 0; i < 10; i++ {
		taskIDs = append(taskIDs, h.create(t).ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		full int
	)
	for _, id := range taskIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.mgr.AssignTask(ctx, id, "agent-a")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errors.ErrCodeCapacityExceeded):
				full++
			default:
				t.Errorf("AssignTask(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if ok != 4 || full != 6 {
		t.Errorf("ok=%d full=%d, want 4/6", ok, full)
	}
	agent, _ := h.reg.GetAgent(ctx, "agent-a")
	if len(agent.AssignedTasks) != 4 || agent.CurrentLoad != 100 {
		t.Errorf("agent tasks=%d load=%d", len(agent.AssignedTasks), agent.CurrentLoad)
	}
}
