// Package server exposes the orchestrator over HTTP: a JSON API for tasks,
// agents, health and metrics, and websocket streams of lifecycle events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/vinayprograms/taskmesh/config"
	coded "github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/ratelimit"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/tasks"
)

// Backend is what the handlers call. *orchestrator.Service implements it.
type Backend interface {
	CreateTask(ctx context.Context, spec tasks.Spec) (*tasks.Task, error)
	UpdateTask(ctx context.Context, id string, u tasks.Update) (*tasks.Task, error)
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	ListTasks(ctx context.Context, q tasks.Query) ([]*tasks.Task, error)
	CancelTask(ctx context.Context, id string) (*tasks.Task, error)
	RetryTask(ctx context.Context, id string) (*tasks.Task, error)
	AssignTask(ctx context.Context, taskID, agentID string) (*tasks.Task, error)
	GetTaskMetrics(ctx context.Context) (*tasks.Metrics, error)

	RegisterAgent(ctx context.Context, spec registry.Spec) (*registry.Agent, error)
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
	ListAgents(ctx context.Context, f registry.Filter) ([]*registry.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status registry.Status) (*registry.Agent, error)
	DeregisterAgent(ctx context.Context, id string) error
	UpdatePerformance(ctx context.Context, id string, u registry.PerformanceUpdate) (*registry.Performance, error)
	FindBestAgent(ctx context.Context, taskType string, required []string) (*registry.Agent, error)
	GetSystemHealth(ctx context.Context) (*registry.Health, error)

	RecentEvents(kind events.Kind, n int) []events.Event
}

// Server is the orchestrator's HTTP server.
type Server struct {
	cfg     config.ServerConfig
	backend Backend
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *logging.Logger

	createLimiter ratelimit.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithCreateLimiter admits POST /api/tasks through l, keyed by the task's
// user id or, without one, the client address.
func WithCreateLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.createLimiter = l }
}

// New creates a server. stream may be nil to leave the websocket routes
// out.
func New(cfg config.ServerConfig, backend Backend, stream *events.Bus, logger *logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		mux:     http.NewServeMux(),
		logger:  logger.WithComponent("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	if stream != nil {
		s.mux.Handle("GET /ws/events/{kind}", events.NewStreamHandler(stream, events.DefaultStreamConfig()))
	}
	return s
}

// Handler returns the root handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.mux)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.logger.Info("server listening", map[string]interface{}{"addr": ln.Addr().String()})
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.HandlerPanic(r.Method+" "+r.URL.Path, rec)
				writeError(w, coded.RecoverPanic(rec))
			}
			s.logger.Debug("request", map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": {...}} with the status its code maps
// to. Uncoded errors are reported as INTERNAL.
func writeError(w http.ResponseWriter, err error) {
	var e *coded.Error
	if !errors.As(err, &e) {
		e = coded.Internal(err.Error())
	}
	writeJSON(w, StatusFor(e.Code()), map[string]any{"error": e})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code coded.ErrorCode) int {
	switch code {
	case coded.ErrCodeNotFound:
		return http.StatusNotFound
	case coded.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case coded.ErrCodeInvalidState, coded.ErrCodeRetryExhausted, coded.ErrCodeHasActiveTasks,
		coded.ErrCodeDependencyPending, coded.ErrCodeAlreadyExists, coded.ErrCodeConflict:
		return http.StatusConflict
	case coded.ErrCodeCapacityExceeded, coded.ErrCodeNoAgentAvailable, coded.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case coded.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
