package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newStreamServer(t *testing.T, b *Bus, cfg StreamConfig) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /ws/events/{kind}", NewStreamHandler(b, cfg))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamHandler_LiveEvents(t *testing.T) {
	b := newTestBus(t)
	srv := newStreamServer(t, b, DefaultStreamConfig())
	conn := dial(t, srv, "/ws/events/task")

	// Wait until the handler has subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.RLock()
		n := len(b.subs)
		b.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(context.Background(), KindTask, TaskCompleted, "t9", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Type != TaskCompleted || e.EntityID != "t9" || e.Kind != KindTask {
		t.Errorf("event = %+v", e)
	}
}

func TestStreamHandler_Backlog(t *testing.T) {
	b := newTestBus(t)
	b.Publish(context.Background(), KindAgent, AgentRegistered, "a1", nil)
	b.Publish(context.Background(), KindAgent, AgentStatusChanged, "a1", nil)

	cfg := DefaultStreamConfig()
	cfg.Backlog = 5
	srv := newStreamServer(t, b, cfg)
	conn := dial(t, srv, "/ws/events/agent")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []Type{AgentRegistered, AgentStatusChanged} {
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if e.Type != want {
			t.Errorf("backlog type = %s, want %s", e.Type, want)
		}
	}
}

func TestStreamHandler_UnknownKind(t *testing.T) {
	b := newTestBus(t)
	srv := newStreamServer(t, b, DefaultStreamConfig())

	resp, err := http.Get(srv.URL + "/ws/events/billing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	b := newTestBus(t)
	srv := newStreamServer(t, b, DefaultStreamConfig())
	conn := dial(t, srv, "/ws/events/task")

	waitSubs := func(want int) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			b.mu.RLock()
			n := len(b.subs)
			b.mu.RUnlock()
			if n == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("subscriptions = %d, want %d", n, want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitSubs(1)
	conn.Close()
	waitSubs(0)
}
