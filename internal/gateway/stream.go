package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
)

const (
	eventWriteTimeout  = 5 * time.Second
	defaultEventPrefix = "task."
)

// eventJobID returns the task a bus payload refers to, or "".
func eventJobID(payload any) string {
	switch p := payload.(type) {
	case bus.TaskStatusChangedEvent:
		return p.JobID
	case bus.TaskRunEvent:
		return p.JobID
	case bus.TaskDecisionEvent:
		return p.JobID
	case bus.TaskLifecycleEvent:
		return p.JobID
	}
	return ""
}

// originPatterns turns configured origins (full URLs or bare hosts) into
// the host patterns the websocket handshake checks.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

// handleEvents streams bus events over a websocket. Query parameters:
// topic (prefix, default "task.") and job_id (only that task's events).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not configured"})
		return
	}
	prefix := shared.FirstNonEmpty(strings.TrimSpace(r.URL.Query().Get("topic")), defaultEventPrefix)
	jobFilter := strings.TrimSpace(r.URL.Query().Get("job_id"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		s.cfg.Logger.Debug("ws: accept failed", "error", err)
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.cfg.Logger.Info("ws: event client connected", "topic", prefix, "job_id", jobFilter)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	hello := bus.Event{Topic: "hello", Time: s.cfg.Now().UTC(), Payload: map[string]string{
		"topic":              prefix,
		"config_fingerprint": s.fingerprint(),
	}}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			s.cfg.Logger.Info("ws: event client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if jobFilter != "" && eventJobID(ev.Payload) != jobFilter {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.cfg.Logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}

// handleTaskStream is the server-sent-events view of one task: its bus
// events until it reaches completed or failed, or is deleted.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not configured"})
		return
	}
	jobID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming not supported"})
		return
	}

	sub := s.cfg.Bus.Subscribe(defaultEventPrefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if eventJobID(ev.Payload) != jobID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				return
			}
			flusher.Flush()
			if streamDone(ev) {
				return
			}
		}
	}
}

func streamDone(ev bus.Event) bool {
	if ev.Topic == bus.TopicTaskDeleted {
		return true
	}
	if p, ok := ev.Payload.(bus.TaskStatusChangedEvent); ok {
		st, _ := persistence.ParseTaskStatus(p.NewStatus)
		return st.Terminal()
	}
	return false
}
