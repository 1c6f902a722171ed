package tasks

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vinayprograms/taskmesh/state"
)

var storeEpoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// storeAdapters returns a fresh instance of every Store implementation.
func storeAdapters(t *testing.T) map[string]Store {
	t.Helper()
	kv := state.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"kv":     NewKVStore(kv),
		"sqlite": sqlite,
	}
}

func sampleTask(id string, offset time.Duration, p Priority, s Status) *Task {
	at := storeEpoch.Add(offset)
	return &Task{
		ID:           id,
		Type:         TypeMoodAnalysis,
		Status:       s,
		Priority:     p,
		Context:      Context{Params: InsightParams{MoodScale: 5}},
		Dependencies: []string{},
		UserID:       "user-1",
		CreatedAt:    at,
		UpdatedAt:    at,
		MaxRetries:   3,
	}
}

func ids(list []*Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Unit Tests ---

func TestStoreCreateGet(t *testing.T) {
	for name, s := range storeAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := sampleTask("t1", 0, PriorityHigh, StatusPending)
			if err := s.Create(ctx, in); err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := s.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Type != TypeMoodAnalysis || got.Priority != PriorityHigh || !got.CreatedAt.Equal(in.CreatedAt) {
				t.Errorf("got %+v", got)
			}
			if p, ok := got.Context.Params.(InsightParams); !ok || p.MoodScale != 5 {
				t.Errorf("context params = %#v", got.Context.Params)
			}

			if err := s.Create(ctx, sampleTask("t1", 0, PriorityLow, StatusPending)); !stderrors.Is(err, ErrTaskExists) {
				t.Errorf("duplicate Create error = %v, want ErrTaskExists", err)
			}
			if _, err := s.Get(ctx, "missing"); !stderrors.Is(err, ErrTaskNotFound) {
				t.Errorf("Get missing error = %v, want ErrTaskNotFound", err)
			}
		})
	}
}

func TestStoreIdempotencyKey(t *testing.T) {
	for name, s := range storeAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := sampleTask("a", 0, PriorityMedium, StatusPending)
			a.IdempotencyKey = "user-1/mood/2026-03-01"
			if err := s.Create(ctx, a); err != nil {
				t.Fatalf("Create: %v", err)
			}

			b := sampleTask("b", 0, PriorityMedium, StatusPending)
			b.IdempotencyKey = a.IdempotencyKey
			if err := s.Create(ctx, b); !stderrors.Is(err, ErrTaskExists) {
				t.Fatalf("Create with taken key error = %v", err)
			}
			if _, err := s.Get(ctx, "b"); !stderrors.Is(err, ErrTaskNotFound) {
				t.Error("rejected task was stored")
			}

			got, err := s.FindByIdempotencyKey(ctx, a.IdempotencyKey)
			if err != nil || got.ID != "a" {
				t.Fatalf("FindByIdempotencyKey = %v, %v", got, err)
			}

			if err := s.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.FindByIdempotencyKey(ctx, a.IdempotencyKey); !stderrors.Is(err, ErrTaskNotFound) {
				t.Errorf("key survived delete: %v", err)
			}
			// The key is free again.
			if err := s.Create(ctx, b); err != nil {
				t.Errorf("Create after delete: %v", err)
			}
		})
	}
}

func TestStoreUpdateDelete(t *testing.T) {
	for name, s := range storeAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task := sampleTask("t1", 0, PriorityLow, StatusPending)
			if err := s.Create(ctx, task); err != nil {
				t.Fatalf("Create: %v", err)
			}

			task.Status = StatusQueued
			task.AssignedAgentID = "agent-1"
			task.UpdatedAt = storeEpoch.Add(time.Minute)
			if err := s.Update(ctx, task); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, _ := s.Get(ctx, "t1")
			if got.Status != StatusQueued || got.AssignedAgentID != "agent-1" {
				t.Errorf("after update: %+v", got)
			}

			if err := s.Update(ctx, sampleTask("ghost", 0, PriorityLow, StatusPending)); !stderrors.Is(err, ErrTaskNotFound) {
				t.Errorf("Update missing error = %v", err)
			}

			if err := s.Delete(ctx, "t1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "t1"); err != nil {
				t.Errorf("second Delete: %v", err)
			}
			if _, err := s.Get(ctx, "t1"); !stderrors.Is(err, ErrTaskNotFound) {
				t.Errorf("Get after delete error = %v", err)
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, s := range storeAdapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []*Task{
				sampleTask("t1", 0, PriorityLow, StatusQueued),
				sampleTask("t2", time.Minute, PriorityUrgent, StatusQueued),
				sampleTask("t3", 2*time.Minute, PriorityHigh, StatusCompleted),
				sampleTask("t4", 3*time.Minute, PriorityUrgent, StatusFailed),
			}
			seed[2].Type = TypeDataSync
			seed[2].Context = Context{Params: MaintenanceParams{}}
			seed[3].UserID = "user-2"
			seed[3].AssignedAgentID = "agent-9"
			for _, task := range seed {
				if err := s.Create(ctx, task); err != nil {
					t.Fatalf("Create %s: %v", task.ID, err)
				}
			}
			from := storeEpoch.Add(time.Minute)
			to := storeEpoch.Add(2 * time.Minute)

			tests := []struct {
				name string
				q    Query
				want []string
			}{
				{"default newest first", Query{}, []string{"t4", "t3", "t2", "t1"}},
				{"oldest first", Query{Sort: Sort{Field: SortCreatedAt, Direction: Asc}}, []string{"t1", "t2", "t3", "t4"}},
				{"by status", Query{Filter: Filter{Statuses: []Status{StatusQueued}}}, []string{"t2", "t1"}},
				{"by type", Query{Filter: Filter{Types: []Type{TypeDataSync}}}, []string{"t3"}},
				{"by priority", Query{Filter: Filter{Priorities: []Priority{PriorityUrgent, PriorityLow}}, Sort: Sort{Field: SortCreatedAt, Direction: Asc}}, []string{"t1", "t2", "t4"}},
				{"by agent", Query{Filter: Filter{AgentID: "agent-9"}}, []string{"t4"}},
				{"by user", Query{Filter: Filter{UserID: "user-1"}}, []string{"t3", "t2", "t1"}},
				{"inclusive range", Query{Filter: Filter{CreatedFrom: &from, CreatedTo: &to}}, []string{"t3", "t2"}},
				{"priority desc ties by id", Query{Sort: Sort{Field: SortPriority, Direction: Desc}}, []string{"t2", "t4", "t3", "t1"}},
				{"limit", Query{Limit: 2}, []string{"t4", "t3"}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := s.List(ctx, tt.q)
					if err != nil {
						t.Fatalf("List: %v", err)
					}
					if !equalIDs(ids(got), tt.want) {
						t.Errorf("List = %v, want %v", ids(got), tt.want)
					}
				})
			}
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Create(context.Background(), sampleTask("t1", 0, PriorityMedium, StatusQueued)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background(), "t1")
	if err != nil || got.Status != StatusQueued {
		t.Errorf("after reopen: %v, %v", got, err)
	}
}
