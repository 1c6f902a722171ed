package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	coded "github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/events"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/tasks"
)

// defaultRecent is how many events GET /api/events/{kind} returns without
// a limit.
const defaultRecent = 50

// maxBodyBytes caps a JSON request body.
const maxBodyBytes = 1 << 20

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/tasks", s.createTask)
	s.mux.HandleFunc("GET /api/tasks", s.listTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.updateTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/assign", s.assignTask)

	s.mux.HandleFunc("POST /api/agents", s.registerAgent)
	s.mux.HandleFunc("GET /api/agents", s.listAgents)
	s.mux.HandleFunc("GET /api/agents/best", s.bestAgent)
	s.mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	s.mux.HandleFunc("DELETE /api/agents/{id}", s.deregisterAgent)
	s.mux.HandleFunc("PUT /api/agents/{id}/status", s.updateAgentStatus)
	s.mux.HandleFunc("POST /api/agents/{id}/performance", s.updatePerformance)

	s.mux.HandleFunc("GET /api/health", s.health)
	s.mux.HandleFunc("GET /api/metrics/tasks", s.taskMetrics)
	s.mux.HandleFunc("GET /api/events/{kind}", s.recentEvents)
}

// decode reads a JSON body of at most maxBodyBytes into v. An empty body
// leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return coded.InvalidInput(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return coded.InvalidInput("invalid request body: " + err.Error())
	}
	return nil
}

// --- Task handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var spec tasks.Spec
	if err := decode(w, r, &spec); err != nil {
		writeError(w, err)
		return
	}
	if !s.admit(w, r, spec.UserID) {
		return
	}
	t, err := s.backend.CreateTask(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// admit consults the create limiter and writes a 429 when the caller is
// over its rate. A failing limiter admits.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, userID string) bool {
	if s.createLimiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = clientHost(r)
	}
	d, err := s.createLimiter.Allow(r.Context(), key)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", map[string]interface{}{"error": err.Error()})
		return true
	}
	if d.Allowed {
		return true
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	e := coded.New(coded.ErrCodeCapacityExceeded, fmt.Sprintf("too many tasks created, retry in %s", d.RetryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": e})
	return false
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q, err := parseTaskQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.backend.ListTasks(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

// parseTaskQuery reads status, type, priority (comma separated), agentId,
// userId, from, to (RFC 3339), sort, order and limit.
func parseTaskQuery(r *http.Request) (tasks.Query, error) {
	v := r.URL.Query()
	var q tasks.Query
	for _, s := range splitList(v.Get("status")) {
		q.Statuses = append(q.Statuses, tasks.Status(s))
	}
	for _, s := range splitList(v.Get("type")) {
		q.Types = append(q.Types, tasks.Type(s))
	}
	for _, s := range splitList(v.Get("priority")) {
		q.Priorities = append(q.Priorities, tasks.Priority(s))
	}
	q.AgentID = v.Get("agentId")
	q.UserID = v.Get("userId")

	for name, dst := range map[string]**time.Time{"from": &q.CreatedFrom, "to": &q.CreatedTo} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, coded.InvalidInput(fmt.Sprintf("%s: expected RFC 3339 time", name))
		}
		*dst = &at
	}

	if f := v.Get("sort"); f != "" {
		q.Sort.Field = tasks.SortField(f)
		if !q.Sort.Field.Valid() {
			return q, coded.InvalidInput(fmt.Sprintf("cannot sort by %q", f))
		}
	}
	switch d := tasks.Direction(v.Get("order")); d {
	case "":
	case tasks.Asc, tasks.Desc:
		q.Sort.Direction = d
	default:
		return q, coded.InvalidInput(fmt.Sprintf("unknown order %q", d))
	}

	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return q, coded.InvalidInput("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.backend.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var u tasks.Update
	if err := decode(w, r, &u); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.backend.UpdateTask(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.backend.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.backend.RetryTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.backend.AssignTask(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.backend.GetTaskMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Agent handlers ---

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var spec registry.Spec
	if err := decode(w, r, &spec); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.backend.RegisterAgent(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	list, err := s.backend.ListAgents(r.Context(), registry.Filter{
		Type:       registry.AgentType(v.Get("type")),
		Status:     registry.Status(v.Get("status")),
		Capability: v.Get("capability"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*registry.Agent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) bestAgent(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	taskType := v.Get("taskType")
	if taskType == "" {
		writeError(w, coded.InvalidInput("taskType is required"))
		return
	}
	a, err := s.backend.FindBestAgent(r.Context(), taskType, splitList(v.Get("capabilities")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.backend.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeregisterAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status registry.Status `json:"status"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.backend.UpdateAgentStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updatePerformance(w http.ResponseWriter, r *http.Request) {
	var u registry.PerformanceUpdate
	if err := decode(w, r, &u); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.backend.UpdatePerformance(r.Context(), r.PathValue("id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- System ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.backend.GetSystemHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	kind := events.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, coded.NotFound(fmt.Sprintf("unknown event kind %q", kind)))
		return
	}
	n := defaultRecent
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			writeError(w, coded.InvalidInput("limit must be a positive integer"))
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, s.backend.RecentEvents(kind, n))
}
