package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/config"
	"github.com/vinayprograms/taskmesh/dispatch"
	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/heartbeat"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/retry"
	"github.com/vinayprograms/taskmesh/scheduler"
	"github.com/vinayprograms/taskmesh/selector"
	"github.com/vinayprograms/taskmesh/shutdown"
	"github.com/vinayprograms/taskmesh/state"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/telemetry"
)

// Service is the single entry point callers use. It owns every component
// and their shared transport and storage.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger
	clock  scheduler.Clock
	sched  scheduler.Scheduler
	newID  func() string

	conn     *nats.Conn
	msgBus   bus.MessageBus
	kv       state.StateStore
	store    tasks.Store
	provider *telemetry.Provider
	tracer   *telemetry.Tracer

	events     *events.Bus
	registry   *registry.Registry
	selector   *selector.Selector
	manager    *tasks.Manager
	dispatcher *dispatch.Dispatcher
	monitor    *heartbeat.BusMonitor

	// injected components are not closed by the service
	ownBus bool
	ownKV  bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source shared by every component.
func WithClock(c scheduler.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithScheduler sets the retry timer scheduler.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *Service) { s.sched = sched }
}

// WithIDGenerator sets the id generator for tasks and agents.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithLogger sets the root logger. Its level is left as is.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithBus uses b instead of building a bus from the config.
func WithBus(b bus.MessageBus) Option {
	return func(s *Service) { s.msgBus = b }
}

// WithStateStore uses kv instead of building one from the config.
func WithStateStore(kv state.StateStore) Option {
	return func(s *Service) { s.kv = kv }
}

// New builds the service from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{cfg: cfg, clock: scheduler.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New()
		s.logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	}

	if err := s.openTransport(ctx); err != nil {
		s.abort()
		return nil, err
	}
	if err := s.openTelemetry(ctx); err != nil {
		s.abort()
		return nil, err
	}
	s.build()
	return s, nil
}

func (s *Service) openTransport(ctx context.Context) error {
	cfg := s.cfg
	natsCfg := bus.DefaultNATSConfig()
	if cfg.Events.BufferSize > 0 {
		natsCfg.BufferSize = cfg.Events.BufferSize
	}
	natsCfg.OnDrop = s.logger.WithComponent("bus").EventDropped
	natsCfg.URL = cfg.NATS.URL
	if cfg.NATS.Name != "" {
		natsCfg.Name = cfg.NATS.Name
	}
	natsCfg.Token = cfg.NATS.Token
	natsCfg.User = cfg.NATS.User
	natsCfg.Password = cfg.NATS.Password
	if cfg.NATS.ReconnectWait > 0 {
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	}

	needConn := (s.msgBus == nil && cfg.NATS.URL != "") || (s.kv == nil && cfg.Store.Backend == config.StoreNATS)
	if needConn {
		conn, err := bus.Connect(natsCfg)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		s.conn = conn
		s.logger.Info("connected to nats", map[string]interface{}{"url": cfg.NATS.URL})
	}

	if s.msgBus == nil {
		s.ownBus = true
		if cfg.NATS.URL != "" {
			s.msgBus = bus.NewNATSBusFromConn(s.conn, natsCfg)
		} else {
			s.msgBus = bus.NewMemoryBus(natsCfg.Config)
		}
	}

	if s.kv == nil {
		s.ownKV = true
		if cfg.Store.Backend == config.StoreNATS {
			kvCfg := state.DefaultNATSStoreConfig()
			kvCfg.Conn = s.conn
			if cfg.NATS.Bucket != "" {
				kvCfg.Bucket = cfg.NATS.Bucket
			}
			kv, err := state.NewNATSStore(ctx, kvCfg)
			if err != nil {
				return fmt.Errorf("open kv bucket %s: %w", kvCfg.Bucket, err)
			}
			s.kv = kv
		} else {
			s.kv = state.NewMemoryStore()
		}
	}

	if cfg.Store.Backend == config.StoreSQLite {
		store, err := tasks.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		s.store = store
	} else {
		s.store = tasks.NewKVStore(s.kv)
	}
	return nil
}

func (s *Service) openTelemetry(ctx context.Context) error {
	tc := s.cfg.Telemetry
	if !tc.Enabled {
		s.tracer = telemetry.Noop()
		return nil
	}
	p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName: tc.ServiceName,
		Endpoint:    tc.Endpoint,
		Protocol:    tc.Protocol,
		Insecure:    tc.Insecure,
		SampleRatio: tc.SampleRatio,
		Attributes:  deploymentAttributes(s.cfg),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.provider = p
	s.tracer = p.Tracer()
	return nil
}

// deploymentAttributes tags exported spans with how this process is set up.
func deploymentAttributes(cfg *config.Config) map[string]string {
	role := "api"
	if cfg.Dispatch.Enabled {
		role = "dispatcher"
	}
	transport := "memory"
	if cfg.UsesNATS() {
		transport = "nats"
	}
	return map[string]string{
		"taskmesh.store.backend": cfg.Store.Backend,
		"taskmesh.dispatch.role": role,
		"taskmesh.bus.transport": transport,
	}
}

func (s *Service) build() {
	cfg := s.cfg

	evOpts := []events.Option{
		events.WithRetention(cfg.Events.Retention),
		events.WithLogger(s.logger),
		events.WithClock(s.clock.Now),
	}
	if cfg.Events.Persist {
		evOpts = append(evOpts, events.WithStore(s.kv))
	}
	s.events = events.New(s.msgBus, evOpts...)

	regOpts := []registry.Option{
		registry.WithEvents(s.events),
		registry.WithClock(s.clock),
		registry.WithLogger(s.logger.WithComponent("registry")),
		registry.WithTracer(s.tracer),
	}
	if s.newID != nil {
		regOpts = append(regOpts, registry.WithIDGenerator(s.newID))
	}
	s.registry = registry.New(
		registry.NewKVAgentStore(s.kv),
		registry.NewKVPerformanceStore(s.kv),
		regOpts...,
	)

	s.selector = selector.New(s.registry, selector.AllowBusy(cfg.Dispatch.AllowBusyAgents))

	mgrOpts := []tasks.ManagerOption{
		tasks.WithAgents(s.registry),
		tasks.WithMatcher(s.selector),
		tasks.WithEvents(s.events),
		tasks.WithRetryPolicy(retryPolicy(cfg.Retry)),
		tasks.WithClock(s.clock),
		tasks.WithTracer(s.tracer),
		tasks.WithLogger(s.logger),
		tasks.WithDefaultMaxRetries(cfg.Tasks.DefaultMaxRetries),
		tasks.WithRunningTimeout(cfg.Dispatch.DefaultTaskTimeout),
		tasks.WithAgentTimeouts(s.registry),
	}
	if s.sched != nil {
		mgrOpts = append(mgrOpts, tasks.WithScheduler(s.sched))
	}
	if s.newID != nil {
		mgrOpts = append(mgrOpts, tasks.WithIDGenerator(s.newID))
	}
	s.manager = tasks.NewManager(s.store, mgrOpts...)

	if cfg.Dispatch.Enabled {
		dOpts := []dispatch.Option{
			dispatch.WithClock(s.clock),
			dispatch.WithTracer(s.tracer),
			dispatch.WithLogger(s.logger),
		}
		// Several daemons only share work through a NATS bucket.
		if cfg.Store.Backend == config.StoreNATS {
			dOpts = append(dOpts, dispatch.WithLeaderStore(s.kv))
		}
		s.dispatcher = dispatch.New(s.manager, s.msgBus, dispatch.Config{
			Interval:  cfg.Dispatch.Interval,
			LeaderTTL: cfg.Dispatch.LeaderTTL,
			Retention: cfg.Tasks.Retention,
		}, dOpts...)
	}

	if cfg.Heartbeat.Enabled {
		// Only fails without a bus, which is always set here.
		s.monitor, _ = heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
			Bus:           s.msgBus,
			Tracker:       s.registry,
			Timeout:       cfg.Heartbeat.Timeout,
			CheckInterval: cfg.Heartbeat.CheckInterval,
			Clock:         s.clock,
			Logger:        s.logger,
		})
	}
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	p.MaxJitter = rc.MaxJitter
	return p
}

// Start restores the event window, seeds configured agents and starts the
// dispatcher and heartbeat monitor.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Events.Persist {
		if err := s.events.Restore(ctx); err != nil {
			return fmt.Errorf("restore events: %w", err)
		}
	}
	if err := s.seedAgents(ctx); err != nil {
		return err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("start dispatcher: %w", err)
		}
	}
	if s.monitor != nil {
		if err := s.monitor.Start(ctx); err != nil {
			return fmt.Errorf("start heartbeat monitor: %w", err)
		}
	}
	s.logger.Info("orchestrator started", map[string]interface{}{
		"store":     s.cfg.Store.Backend,
		"dispatch":  s.dispatcher != nil,
		"heartbeat": s.monitor != nil,
	})
	return nil
}

// seedAgents registers configured agents that are not yet known.
func (s *Service) seedAgents(ctx context.Context) error {
	for _, ac := range s.cfg.Agents {
		if ac.ID != "" {
			if _, err := s.registry.GetAgent(ctx, ac.ID); err == nil {
				continue
			}
		}
		a, err := s.registry.RegisterAgent(ctx, registry.Spec{
			ID:                 ac.ID,
			Name:               ac.Name,
			Type:               registry.AgentType(ac.Type),
			Capabilities:       ac.Capabilities,
			Specializations:    ac.Specializations,
			Configuration:      ac.Configuration,
			MaxConcurrentTasks: ac.MaxConcurrentTasks,
		})
		if err != nil {
			return fmt.Errorf("seed agent %q: %w", ac.Name, err)
		}
		s.logger.Info("agent seeded", map[string]interface{}{"agent": a.ID, "type": string(a.Type)})
	}
	return nil
}

// RegisterShutdown adds the service's components to coord, each in the
// phase it belongs to.
func (s *Service) RegisterShutdown(coord *shutdown.Coordinator) {
	if s.dispatcher != nil {
		coord.RegisterFunc("dispatcher", shutdown.PhaseWork, func(context.Context) error {
			if err := s.dispatcher.Stop(); err != nil && !stderrors.Is(err, dispatch.ErrNotStarted) {
				return err
			}
			return nil
		})
	}
	if s.monitor != nil {
		coord.RegisterFunc("heartbeat", shutdown.PhaseWork, func(context.Context) error {
			if err := s.monitor.Stop(); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
				return err
			}
			return nil
		})
	}
	coord.RegisterFunc("retries", shutdown.PhaseWork, func(context.Context) error {
		return s.manager.Close()
	})

	coord.RegisterFunc("events", shutdown.PhaseState, func(context.Context) error {
		return s.events.Close()
	})
	coord.RegisterFunc("tasks", shutdown.PhaseState, func(context.Context) error {
		return s.store.Close()
	})

	coord.RegisterFunc("transport", shutdown.PhaseTransport, func(context.Context) error {
		s.closeTransport()
		return nil
	})
	if s.provider != nil {
		coord.RegisterFunc("telemetry", shutdown.PhaseTransport, s.provider.Shutdown)
	}
}

// abort releases what New opened before failing.
func (s *Service) abort() {
	if s.store != nil {
		s.store.Close()
	}
	s.closeTransport()
}

func (s *Service) closeTransport() {
	if s.ownKV && s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Warn("close state store", map[string]interface{}{"error": err.Error()})
		}
	}
	if s.ownBus && s.msgBus != nil {
		s.msgBus.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Close stops the service the same way a signal would.
func (s *Service) Close(ctx context.Context) error {
	coord := shutdown.NewCoordinator(shutdown.Config{Logger: s.logger})
	s.RegisterShutdown(coord)
	return coord.Shutdown(ctx)
}

// --- Tasks ---

func (s *Service) CreateTask(ctx context.Context, spec tasks.Spec) (*tasks.Task, error) {
	return s.manager.CreateTask(ctx, spec)
}

func (s *Service) UpdateTask(ctx context.Context, id string, u tasks.Update) (*tasks.Task, error) {
	return s.manager.UpdateTask(ctx, id, u)
}

func (s *Service) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.manager.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, q tasks.Query) ([]*tasks.Task, error) {
	return s.manager.ListTasks(ctx, q)
}

func (s *Service) CancelTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.manager.CancelTask(ctx, id)
}

func (s *Service) RetryTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.manager.RetryTask(ctx, id)
}

// AssignTask binds a queued task to agentID, or to the best matching
// agent when agentID is empty.
func (s *Service) AssignTask(ctx context.Context, taskID, agentID string) (*tasks.Task, error) {
	return s.manager.AssignTask(ctx, taskID, agentID)
}

// CompleteTask, FailTask and StartTask let callers that execute work
// in-process report outcomes without the dispatch protocol.
func (s *Service) StartTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.manager.StartTask(ctx, id)
}

func (s *Service) CompleteTask(ctx context.Context, id string, result json.RawMessage) (*tasks.Task, error) {
	return s.manager.CompleteTask(ctx, id, result)
}

func (s *Service) FailTask(ctx context.Context, id string, cause error) (*tasks.Task, error) {
	return s.manager.FailTask(ctx, id, cause)
}

func (s *Service) GetTaskMetrics(ctx context.Context) (*tasks.Metrics, error) {
	return s.manager.Metrics(ctx)
}

// --- Agents ---

func (s *Service) RegisterAgent(ctx context.Context, spec registry.Spec) (*registry.Agent, error) {
	return s.registry.RegisterAgent(ctx, spec)
}

func (s *Service) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	return s.registry.GetAgent(ctx, id)
}

func (s *Service) ListAgents(ctx context.Context, f registry.Filter) ([]*registry.Agent, error) {
	return s.registry.ListAgents(ctx, f)
}

func (s *Service) UpdateAgentStatus(ctx context.Context, id string, status registry.Status) (*registry.Agent, error) {
	return s.registry.UpdateStatus(ctx, id, status)
}

// UnassignTask removes taskID from the agent, counting it as completed.
// The task record is not touched.
func (s *Service) UnassignTask(ctx context.Context, agentID, taskID string) (*registry.Agent, error) {
	return s.registry.UnassignTask(ctx, agentID, taskID)
}

// DeregisterAgent removes an agent with no assigned tasks and stops
// tracking its heartbeats.
func (s *Service) DeregisterAgent(ctx context.Context, id string) error {
	if err := s.registry.DeregisterAgent(ctx, id); err != nil {
		return err
	}
	if s.monitor != nil {
		s.monitor.Forget(id)
	}
	return nil
}

func (s *Service) UpdatePerformance(ctx context.Context, id string, u registry.PerformanceUpdate) (*registry.Performance, error) {
	return s.registry.UpdatePerformance(ctx, id, u)
}

func (s *Service) GetPerformance(ctx context.Context, id string) (*registry.Performance, error) {
	return s.registry.GetPerformance(ctx, id)
}

// FindBestAgent returns the best candidate for a task type, or a
// NO_AGENT_AVAILABLE error when none qualifies.
func (s *Service) FindBestAgent(ctx context.Context, taskType string, required []string) (*registry.Agent, error) {
	a, err := s.selector.FindBestAgent(ctx, taskType, required)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.New(errors.ErrCodeNoAgentAvailable, fmt.Sprintf("no agent available for %s", taskType))
	}
	return a, nil
}

func (s *Service) GetSystemHealth(ctx context.Context) (*registry.Health, error) {
	return s.registry.SystemHealth(ctx)
}

// --- Events ---

// SubscribeToTaskUpdates calls fn for every task event until the returned
// function is called. Task events carry the task as payload.
func (s *Service) SubscribeToTaskUpdates(fn events.Handler) (func(), error) {
	return s.events.Subscribe(events.KindTask, fn)
}

// SubscribeToAgentUpdates calls fn for every agent event until the
// returned function is called.
func (s *Service) SubscribeToAgentUpdates(fn events.Handler) (func(), error) {
	return s.events.Subscribe(events.KindAgent, fn)
}

// RecentEvents returns up to n retained events of kind, oldest first.
func (s *Service) RecentEvents(kind events.Kind, n int) []events.Event {
	return s.events.Recent(kind, n)
}

// Events returns the event bus, for streaming handlers.
func (s *Service) Events() *events.Bus {
	return s.events
}

// Bus returns the message bus agents and workers attach to.
func (s *Service) Bus() bus.MessageBus {
	return s.msgBus
}

// StateStore returns the key-value store shared with other processes on
// the nats backend.
func (s *Service) StateStore() state.StateStore {
	return s.kv
}

// Dispatcher returns the dispatcher, nil when dispatch is disabled.
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Monitor returns the heartbeat monitor, nil when disabled.
func (s *Service) Monitor() *heartbeat.BusMonitor {
	return s.monitor
}
