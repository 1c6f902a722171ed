package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"events.task", false},
		{"agents.*.tasks", false},
		{"events.>", false},
		{"", true},
		{"foo..bar", true},
		{".foo", true},
		{"foo bar", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"events.task", "events.task", true},
		{"events.task", "events.agent", false},
		{"agents.*.tasks", "agents.a1.tasks", true},
		{"agents.*.tasks", "agents.a1.b.tasks", false},
		{"events.>", "events.task", true},
		{"events.>", "events.task.created", true},
		{"events.>", "events", false},
		{"events.task", "events.task.x", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	err := bus.Publish("", []byte("hello"))
	if err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("events.task")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("events.task", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "events.task" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("agents.*.tasks")
	defer sub.Unsubscribe()

	bus.Publish("agents.a1.tasks", []byte("1"))
	bus.Publish("agents.a2.tasks", []byte("2"))
	bus.Publish("agents.a2.other", []byte("x"))

	for _, want := range []string{"agents.a1.tasks", "agents.a2.tasks"} {
		select {
		case msg := <-sub.Messages():
			if msg.Subject != want {
				t.Errorf("subject = %q, want %q", msg.Subject, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected message on %q", msg.Subject)
	default:
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("broadcast"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "broadcast" {
				t.Errorf("sub%d data = %q", i+1, msg.Data)
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d timeout", i+1)
		}
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	sub1, _ := bus.QueueSubscribe("work", "workers")
	sub2, _ := bus.QueueSubscribe("work", "workers")

	drain := func(sub Subscription, n *atomic.Int32) {
		defer wg.Done()
		for range sub.Messages() {
			n.Add(1)
		}
	}
	wg.Add(2)
	go drain(sub1, &count1)
	go drain(sub2, &count2)

	const total = 20
	for i := 0; i < total; i++ {
		bus.Publish("work", []byte("job"))
	}

	time.Sleep(50 * time.Millisecond)
	sub1.Unsubscribe()
	sub2.Unsubscribe()
	wg.Wait()

	if got := count1.Load() + count2.Load(); got != total {
		t.Errorf("queue delivered %d, want %d", got, total)
	}
	if count1.Load() == 0 || count2.Load() == 0 {
		t.Errorf("expected both members to receive work: %d/%d", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_QueueSubscribeEmptyQueue(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if _, err := bus.QueueSubscribe("work", ""); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_SubscribeAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish("test", []byte("late"))
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())

	sub, _ := bus.Subscribe("test")
	bus.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}

	// Unsubscribe after Close is a no-op.
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close: %v", err)
	}
}

func TestMemoryBus_BufferFull(t *testing.T) {
	var drops atomic.Int32
	cfg := Config{
		BufferSize: 2,
		OnDrop:     func(string) { drops.Add(1) },
	}
	bus := NewMemoryBus(cfg)
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		if err := bus.Publish("test", []byte("x")); err != nil {
			t.Fatalf("Publish should not fail on full buffer: %v", err)
		}
	}

	if len(sub.Messages()) != 2 {
		t.Errorf("buffered = %d, want 2", len(sub.Messages()))
	}
	if drops.Load() != 3 {
		t.Errorf("drops = %d, want 3", drops.Load())
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := bus.Subscribe("race")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("race", nil)
			}
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench", data)
	}
}
