package heartbeat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/scheduler"
)

// BusMonitor tracks heartbeats on the bus and reports silent agents.
type BusMonitor struct {
	bus           bus.MessageBus
	tracker       Tracker
	timeout       time.Duration
	checkInterval time.Duration
	clock         scheduler.Clock
	logger        *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]seen
	reported map[string]bool
	deadCBs  []func(agentID string)
	watchers []watcher

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type seen struct {
	hb *Heartbeat
	at time.Time
}

type watcher struct {
	agentID string // empty watches everyone
	ch      chan *Heartbeat
}

// NewBusMonitor creates a new heartbeat monitor.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = def.CheckInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		tracker:       cfg.Tracker,
		timeout:       timeout,
		checkInterval: checkInterval,
		clock:         clock,
		logger:        logger.WithComponent("heartbeat"),
		lastSeen:      make(map[string]seen),
		reported:      make(map[string]bool),
	}, nil
}

// Start subscribes to all heartbeats and runs the dead agent checker.
func (m *BusMonitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.Subscribe(SubjectPrefix + "*")
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

func (m *BusMonitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.handle(ctx, msg)
		case <-ticker.C:
			m.CheckDead(ctx)
		}
	}
}

func (m *BusMonitor) handle(ctx context.Context, msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		m.logger.Debug("malformed heartbeat", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = strings.TrimPrefix(msg.Subject, SubjectPrefix)
	}
	m.Observe(ctx, hb)
}

// Observe records a heartbeat as received now and touches the agent in
// the tracker.
func (m *BusMonitor) Observe(ctx context.Context, hb *Heartbeat) {
	if hb == nil || hb.AgentID == "" {
		return
	}
	at := m.clock.Now()

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = seen{hb: hb, at: at}
	delete(m.reported, hb.AgentID)
	for _, w := range m.watchers {
		if w.agentID != "" && w.agentID != hb.AgentID {
			continue
		}
		select {
		case w.ch <- hb:
		default:
		}
	}
	m.mu.Unlock()

	if m.tracker == nil {
		return
	}
	if _, err := m.tracker.Touch(ctx, hb.AgentID, at); err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			m.logger.Debug("heartbeat from unregistered agent", map[string]interface{}{"agent": hb.AgentID})
			return
		}
		m.logger.Warn("touch failed", map[string]interface{}{
			"agent": hb.AgentID,
			"error": err.Error(),
		})
	}
}

// CheckDead reports agents silent for longer than the timeout. Each
// silence is reported once; a later beat re-arms the agent. It returns
// the newly dead agent ids in order.
func (m *BusMonitor) CheckDead(ctx context.Context) []string {
	now := m.clock.Now()

	m.mu.Lock()
	var dead []string
	for id, s := range m.lastSeen {
		if now.Sub(s.at) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := append(([]func(string))(nil), m.deadCBs...)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, id := range dead {
		m.logger.Warn("agent presumed dead", map[string]interface{}{
			"agent":   id,
			"timeout": m.timeout.String(),
		})
		if m.tracker != nil {
			if _, err := m.tracker.UpdateStatus(ctx, id, registry.StatusOffline); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
				m.logger.Warn("mark offline failed", map[string]interface{}{
					"agent": id,
					"error": err.Error(),
				})
			}
		}
		for _, cb := range callbacks {
			cb(id)
		}
	}
	return dead
}

// Watch returns a channel of heartbeats for one agent, or for every agent
// when agentID is empty. Slow readers miss beats. The channel closes on Stop.
func (m *BusMonitor) Watch(agentID string) <-chan *Heartbeat {
	ch := make(chan *Heartbeat, 16)
	m.mu.Lock()
	m.watchers = append(m.watchers, watcher{agentID: agentID, ch: ch})
	m.mu.Unlock()
	return ch
}

// IsAlive reports whether the agent beat within the timeout.
func (m *BusMonitor) IsAlive(agentID string) bool {
	m.mu.RLock()
	s, ok := m.lastSeen[agentID]
	m.mu.RUnlock()
	return ok && m.clock.Now().Sub(s.at) <= m.timeout
}

// LastHeartbeat returns the last heartbeat from an agent, or nil.
func (m *BusMonitor) LastHeartbeat(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lastSeen[agentID]; ok {
		return s.hb
	}
	return nil
}

// Forget drops an agent, e.g. after deregistration.
func (m *BusMonitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	delete(m.reported, agentID)
	m.mu.Unlock()
}

// OnDead registers a callback for when an agent is presumed dead.
func (m *BusMonitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring and closes watcher channels.
func (m *BusMonitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	for _, w := range m.watchers {
		close(w.ch)
	}
	m.watchers = nil
	m.mu.Unlock()
	return nil
}
