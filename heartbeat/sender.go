package heartbeat

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/scheduler"
)

// BusSender publishes heartbeats for one agent.
type BusSender struct {
	bus      bus.MessageBus
	agentID  string
	interval time.Duration
	clock    scheduler.Clock
	logger   *logging.Logger

	mu       sync.RWMutex
	status   string
	load     float64
	active   int
	metadata map[string]string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()

	interval := cfg.Interval
	if interval <= 0 {
		interval = def.Interval
	}
	status := cfg.InitialStatus
	if status == "" {
		status = def.InitialStatus
	}
	clock := cfg.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &BusSender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: interval,
		clock:    clock,
		logger:   logger.WithComponent("heartbeat"),
		status:   status,
		metadata: make(map[string]string),
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first
// beat goes out immediately.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat()
		}
	}
}

// Beat publishes one heartbeat now.
func (s *BusSender) Beat() error {
	hb := s.snapshot()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(hb.Subject(), data); err != nil {
		s.logger.Warn("heartbeat publish failed", map[string]interface{}{
			"agent": s.agentID,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (s *BusSender) snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:     s.agentID,
		Timestamp:   s.clock.Now(),
		Status:      s.status,
		Load:        s.load,
		ActiveTasks: s.active,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = maps.Clone(s.metadata)
	}
	return hb
}

func (s *BusSender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad records active tasks out of capacity. Load is clamped to [0, 1].
func (s *BusSender) SetLoad(active, capacity int) {
	load := 0.0
	if capacity > 0 {
		load = float64(active) / float64(capacity)
	}
	load = min(max(load, 0), 1)

	s.mu.Lock()
	s.active = max(active, 0)
	s.load = load
	s.mu.Unlock()
}

func (s *BusSender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *BusSender) AgentID() string {
	return s.agentID
}
