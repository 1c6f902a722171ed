package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig tunes the websocket event stream.
type StreamConfig struct {
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// PingInterval for keepalive pings.
	PingInterval time.Duration

	// QueueSize is the per-connection buffer; a slower client loses events.
	QueueSize int

	// Backlog is how many retained events are replayed on connect.
	Backlog int
}

// DefaultStreamConfig returns configuration with sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		QueueSize:    64,
		Backlog:      0,
	}
}

// StreamHandler serves live events of the kind named by the {kind} path
// value as websocket text frames, one JSON event per frame.
type StreamHandler struct {
	bus      *Bus
	config   StreamConfig
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a websocket handler over b.
func NewStreamHandler(b *Bus, cfg StreamConfig) *StreamHandler {
	def := DefaultStreamConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &StreamHandler{
		bus:    b,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.PathValue("kind"))
	if !kind.Valid() {
		http.Error(w, "unknown event kind", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	queue := make(chan Event, h.config.QueueSize)
	unsubscribe, err := h.bus.Subscribe(kind, func(e Event) {
		select {
		case queue <- e:
		default:
			h.bus.logger.Warn("stream_event_dropped", map[string]interface{}{"kind": kind, "remote": r.RemoteAddr})
		}
	})
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(time.Second))
		return
	}
	defer unsubscribe()

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if h.config.Backlog > 0 {
		for _, e := range h.bus.Recent(kind, h.config.Backlog) {
			if err := h.write(conn, e); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e := <-queue:
			if err := h.write(conn, e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) write(conn *websocket.Conn, e Event) error {
	conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	return conn.WriteJSON(e)
}
