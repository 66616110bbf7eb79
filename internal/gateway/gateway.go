// Package gateway serves the operator HTTP surface: task CRUD and nudges,
// health, and a websocket stream of task events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/engine"
	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
)

const (
	maxIDsPerRequest    = 200
	maxBroadcastAgents  = 50
	healthCallTimeout   = 3 * time.Second
	defaultUISource     = "ui"
	heartbeatStaleAfter = 5 * time.Minute
)

// TaskService is the task API the handlers drive. *engine.Service
// implements it.
type TaskService interface {
	CreateTask(ctx context.Context, in engine.CreateTaskInput) (engine.TaskView, error)
	ListTasks(ctx context.Context, opts engine.ListOptions) ([]engine.TaskView, error)
	RunnableQueue(ctx context.Context) ([]engine.TaskView, error)
	UpdateTask(ctx context.Context, id string, upd engine.TaskUpdate) (persistence.TaskMeta, error)
	RequestRun(ctx context.Context, id string) error
	MarkPickedUp(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, result string) error
	Activity(ctx context.Context, id string, opts engine.ActivityOptions) (engine.TaskActivity, error)
	Runs(ctx context.Context, id string, limit int) ([]jobstore.RunEntry, error)
	DeleteTask(ctx context.Context, id string) error
	Broadcast(ctx context.Context, message string, agentIDs []string) ([]engine.TaskView, error)
	CaptureChatTask(ctx context.Context, message, agentID string) (engine.TaskView, bool, error)
}

// WorkerStatus exposes the worker's liveness. *engine.Worker implements it.
type WorkerStatus interface {
	Heartbeat() time.Time
	LastTick() *engine.TickResult
	FollowUpPending() bool
	BeginForeground() func()
}

// StatusCounter reports task counts per status; the health check uses it to reach the database.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[persistence.TaskStatus]int, error)
}

type Config struct {
	Tasks  TaskService
	Worker WorkerStatus
	Counts StatusCounter
	Bus    *bus.Bus
	Logger *slog.Logger
	Tracer trace.Tracer

	// Fingerprint identifies the active config in /healthz. It is called
	// per request so reloads show up.
	Fingerprint func() string
	Version     string
	// AllowOrigins lists browser origins accepted for CORS and websockets.
	AllowOrigins []string
	RateLimiter  *RateLimiter
	MaxBodyBytes int64

	Now func() time.Time
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg}
}

func (s *Server) fingerprint() string {
	if s.cfg.Fingerprint == nil {
		return ""
	}
	return s.cfg.Fingerprint()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.foreground(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/queue", s.handleQueue)
	mux.HandleFunc("PUT /api/tasks/{id}", s.foreground(s.handleUpdateTask))
	mux.HandleFunc("DELETE /api/tasks/{id}", s.foreground(s.handleDeleteTask))
	mux.HandleFunc("POST /api/tasks/{id}/run", s.foreground(s.handleRunTask))
	mux.HandleFunc("POST /api/tasks/{id}/pickup", s.foreground(s.handlePickup))
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.foreground(s.handleComplete))
	mux.HandleFunc("GET /api/tasks/{id}/activity", s.handleActivity)
	mux.HandleFunc("GET /api/tasks/{id}/runs", s.handleRuns)
	mux.HandleFunc("GET /api/tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("POST /api/broadcast", s.foreground(s.handleBroadcast))
	mux.HandleFunc("POST /api/chat/task", s.foreground(s.handleChatTask))

	var h http.Handler = mux
	h = s.cfg.RateLimiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return s.traced(h)
}

// traced wraps each request in a server span and tags its logs with a
// fresh trace id.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path, otel.AttrTraceID.String(traceID))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// foreground marks the worker busy while an operator request runs, so a
// tick never races an interactive change.
func (s *Server) foreground(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Worker != nil {
			release := s.cfg.Worker.BeginForeground()
			defer release()
		}
		h(w, r)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, jobstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, jobstore.ErrUnsupported):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.cfg.Logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err,
			"trace_id", shared.TraceID(r.Context()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", engine.ErrInvalidInput, err)
	}
	return nil
}

func queryBool(r *http.Request, key string, def bool) bool {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitIDs(raw string, max int) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
		if len(out) == max {
			break
		}
	}
	return out
}

// --- health ---

type healthResponse struct {
	Status          string         `json:"status"`
	Healthy         bool           `json:"healthy"`
	DBOK            bool           `json:"db_ok"`
	Version         string         `json:"version,omitempty"`
	Fingerprint     string         `json:"config_fingerprint,omitempty"`
	Heartbeat       *time.Time     `json:"heartbeat,omitempty"`
	HeartbeatAgeMs  int64          `json:"heartbeat_age_ms,omitempty"`
	FollowUpPending bool           `json:"follow_up_pending"`
	LastTick        any            `json:"last_tick,omitempty"`
	Tasks           map[string]int `json:"tasks,omitempty"`
	Subscribers     int            `json:"event_subscribers"`
	DroppedEvents   int64          `json:"dropped_events"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Healthy:     true,
		DBOK:        true,
		Version:     s.cfg.Version,
		Fingerprint: s.fingerprint(),
	}
	if s.cfg.Counts != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCallTimeout)
		counts, err := s.cfg.Counts.CountByStatus(ctx)
		cancel()
		if err != nil {
			resp.DBOK, resp.Healthy, resp.Status = false, false, "degraded"
		} else {
			resp.Tasks = make(map[string]int, len(counts))
			for st, n := range counts {
				resp.Tasks[string(st)] = n
			}
		}
	}
	if s.cfg.Worker != nil {
		if hb := s.cfg.Worker.Heartbeat(); !hb.IsZero() {
			resp.Heartbeat = &hb
			resp.HeartbeatAgeMs = s.cfg.Now().Sub(hb).Milliseconds()
			if s.cfg.Now().Sub(hb) > heartbeatStaleAfter && resp.Healthy {
				resp.Status = "stale"
			}
		}
		resp.FollowUpPending = s.cfg.Worker.FollowUpPending()
		if lt := s.cfg.Worker.LastTick(); lt != nil {
			resp.LastTick = lt
		}
	}
	if s.cfg.Bus != nil {
		resp.Subscribers = s.cfg.Bus.SubscriberCount()
		resp.DroppedEvents = s.cfg.Bus.Dropped()
	}
	status := http.StatusOK
	if !resp.DBOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	var ts *time.Time
	if s.cfg.Worker != nil {
		if hb := s.cfg.Worker.Heartbeat(); !hb.IsZero() {
			ts = &hb
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ts": ts})
}

// --- tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := engine.ListOptions{
		IDs:              splitIDs(r.URL.Query().Get("ids"), maxIDsPerRequest),
		Limit:            max(0, queryInt(r, "limit", 0)),
		IncludeNarrative: queryBool(r, "includeNarrative", true),
		IncludeLog:       queryBool(r, "includeLog", true),
		IncludeDisabled:  queryBool(r, "includeDisabled", true),
	}
	views, err := s.cfg.Tasks.ListTasks(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(views)})
}

type createTaskRequest struct {
	Message  string   `json:"message"`
	AgentID  string   `json:"agentId"`
	Priority *float64 `json:"priority"`
	Source   string   `json:"source"`
	Name     string   `json:"name"`
	AutoRun  *bool    `json:"autoRun"`
	Payload  *struct {
		Message string `json:"message"`
		AgentID string `json:"agentId"`
		Source  string `json:"source"`
	} `json:"payload"`
	Metadata *struct {
		Priority *float64 `json:"priority"`
	} `json:"metadata"`
}

func (req createTaskRequest) input() engine.CreateTaskInput {
	in := engine.CreateTaskInput{
		Message: req.Message,
		AgentID: req.AgentID,
		Source:  req.Source,
		Name:    req.Name,
		AutoRun: req.AutoRun == nil || *req.AutoRun,
	}
	if p := req.Payload; p != nil {
		in.Message = shared.FirstNonEmpty(p.Message, in.Message)
		in.AgentID = shared.FirstNonEmpty(p.AgentID, in.AgentID)
		in.Source = shared.FirstNonEmpty(p.Source, in.Source)
	}
	in.Message = shared.FirstNonEmpty(in.Message, req.Name)
	in.Source = shared.FirstNonEmpty(in.Source, defaultUISource)
	switch {
	case req.Metadata != nil && req.Metadata.Priority != nil:
		in.Priority = *req.Metadata.Priority
	case req.Priority != nil:
		in.Priority = *req.Priority
	}
	return in
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.cfg.Tasks.CreateTask(r.Context(), req.input())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": view.ID, "job": view})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	views, err := s.cfg.Tasks.RunnableQueue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(views)})
}

type updateTaskRequest struct {
	Priority *float64 `json:"priority"`
	Status   *string  `json:"status"`
	Name     *string  `json:"name"`
	Message  *string  `json:"message"`
	Metadata *struct {
		Priority *float64 `json:"priority"`
		Status   *string  `json:"status"`
	} `json:"metadata"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	upd := engine.TaskUpdate{Priority: req.Priority, Status: req.Status, Name: req.Name, Message: req.Message}
	if m := req.Metadata; m != nil {
		if m.Priority != nil && upd.Priority == nil {
			upd.Priority = m.Priority
		}
		if m.Status != nil && upd.Status == nil {
			upd.Status = m.Status
		}
	}
	meta, err := s.cfg.Tasks.UpdateTask(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "metadata": meta})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tasks.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tasks.RequestRun(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePickup(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Tasks.MarkPickedUp(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result string `json:"result"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Tasks.MarkCompleted(r.Context(), r.PathValue("id"), req.Result); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	act, err := s.cfg.Tasks.Activity(r.Context(), r.PathValue("id"), engine.ActivityOptions{
		Limit:           queryInt(r, "limit", 0),
		IncludeChildren: queryBool(r, "includeChildren", true),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Tasks.Runs(r.Context(), r.PathValue("id"), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []jobstore.RunEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message  string   `json:"message"`
		AgentIDs []string `json:"agentIds"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.AgentIDs) > maxBroadcastAgents {
		req.AgentIDs = req.AgentIDs[:maxBroadcastAgents]
	}
	views, err := s.cfg.Tasks.Broadcast(r.Context(), req.Message, req.AgentIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ids": ids, "jobs": nonNil(views)})
}

// handleChatTask creates a task from a "task:" or "/task" chat message.
// Ordinary chat yields captured=false.
func (s *Server) handleChatTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
		AgentID string `json:"agentId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, ok, err := s.cfg.Tasks.CaptureChatTask(r.Context(), req.Message, req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"captured": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captured": true, "id": view.ID, "job": view})
}

func nonNil(v []engine.TaskView) []engine.TaskView {
	if v == nil {
		return []engine.TaskView{}
	}
	return v
}
