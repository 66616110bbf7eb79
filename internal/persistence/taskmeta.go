package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/bus"
)

// ErrTaskMetaNotFound is returned by update-only writes when the job has no
// overlay, typically because the task was deleted.
var ErrTaskMetaNotFound = errors.New("task meta not found")

// TaskStatus is the orchestrator-side state of a job.
type TaskStatus string

const (
	StatusAssigned     TaskStatus = "assigned"
	StatusRunRequested TaskStatus = "run_requested"
	StatusPickedUp     TaskStatus = "picked_up"
	StatusReview       TaskStatus = "review"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusDisabled     TaskStatus = "disabled"
	StatusScheduled    TaskStatus = "scheduled"
)

var knownStatuses = map[TaskStatus]struct{}{
	StatusAssigned: {}, StatusRunRequested: {}, StatusPickedUp: {}, StatusReview: {},
	StatusCompleted: {}, StatusFailed: {}, StatusDisabled: {}, StatusScheduled: {},
}

// ParseTaskStatus maps free text onto a known status. ok is false for
// anything unrecognized.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	_, ok := knownStatuses[st]
	return st, ok
}

// Runnable reports whether the worker may pick the task up for a new run.
func (s TaskStatus) Runnable() bool {
	return s == StatusAssigned || s == StatusRunRequested
}

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DefaultPriority    = 3
	MinPriority        = 1
	MaxPriority        = 5
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 10

	LogCap       = 200
	NarrativeCap = 500
)

// RunSnapshot is the most recent run result folded into the task.
type RunSnapshot struct {
	Ts         int64  `json:"ts"`
	Status     string `json:"status,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// DecisionSnapshot records the last verdict applied to the task.
type DecisionSnapshot struct {
	Ts           int64    `json:"ts"`
	Decision     string   `json:"decision"`
	Reason       string   `json:"reason"`
	EditsApplied []string `json:"editsApplied,omitempty"`
}

type NarrativeEntry struct {
	Ts      time.Time `json:"ts"`
	AgentID string    `json:"agentId,omitempty"`
	Role    string    `json:"role"`
	Text    string    `json:"text"`
}

// TaskMeta is the local overlay for one job.
type TaskMeta struct {
	JobID       string     `json:"jobId"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`

	AgentID string `json:"agentId,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PickedUpAt  *time.Time `json:"pickedUpAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	LastSeenRunAtMs int64             `json:"lastSeenRunAtMs,omitempty"`
	LastRun         *RunSnapshot      `json:"lastRun,omitempty"`
	LastDecision    *DecisionSnapshot `json:"lastDecision,omitempty"`

	// ReviewSince is when the task last entered review. Writes that keep it
	// in review leave it unchanged.
	ReviewSince *time.Time `json:"reviewSince,omitempty"`
	// RecordWaits counts consecutive ticks that found no run record.
	RecordWaits int `json:"recordWaits,omitempty"`

	Log       []string         `json:"log,omitempty"`
	Narrative []NarrativeEntry `json:"narrative,omitempty"`
}

// NormalizePriority converts an externally supplied priority. Non-finite
// values mean the default; everything else is rounded and clamped to [1,5].
func NormalizePriority(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return DefaultPriority
	}
	return clampInt(int(math.Round(v)), MinPriority, MaxPriority)
}

// AddLog appends a timestamped line, keeping the newest LogCap lines.
// Blank text is ignored.
func (m *TaskMeta) AddLog(at time.Time, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.Log = append(m.Log, fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), text))
	if len(m.Log) > LogCap {
		m.Log = append([]string(nil), m.Log[len(m.Log)-LogCap:]...)
	}
}

// AddNarrative appends a narrative entry, keeping the newest NarrativeCap.
// Blank text is a no-op. Role defaults to "assistant", agent to the task's
// agent and ts to at.
func (m *TaskMeta) AddNarrative(at time.Time, e NarrativeEntry) {
	e.Text = strings.TrimSpace(e.Text)
	if e.Text == "" {
		return
	}
	if e.Role == "" {
		e.Role = "assistant"
	}
	if e.AgentID == "" {
		e.AgentID = m.AgentID
	}
	if e.Ts.IsZero() {
		e.Ts = at.UTC()
	}
	m.Narrative = append(m.Narrative, e)
	if len(m.Narrative) > NarrativeCap {
		m.Narrative = append([]NarrativeEntry(nil), m.Narrative[len(m.Narrative)-NarrativeCap:]...)
	}
}

// AttemptsExhausted reports whether no further attempt is allowed.
func (m TaskMeta) AttemptsExhausted() bool {
	return m.Attempts >= m.effectiveMaxAttempts()
}

func (m TaskMeta) effectiveMaxAttempts() int {
	if m.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return clampInt(m.MaxAttempts, 1, MaxMaxAttempts)
}

// normalize repairs a document after every mutation.
func (m *TaskMeta) normalize(jobID string, now time.Time) {
	m.JobID = jobID
	if m.Priority == 0 {
		m.Priority = DefaultPriority
	}
	m.Priority = clampInt(m.Priority, MinPriority, MaxPriority)
	m.MaxAttempts = m.effectiveMaxAttempts()
	if m.Attempts < 0 {
		m.Attempts = 0
	}
	if m.RecordWaits < 0 {
		m.RecordWaits = 0
	}
	if _, ok := knownStatuses[m.Status]; !ok {
		m.Status = StatusReview
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if len(m.Log) > LogCap {
		m.Log = m.Log[len(m.Log)-LogCap:]
	}
	if len(m.Narrative) > NarrativeCap {
		m.Narrative = m.Narrative[len(m.Narrative)-NarrativeCap:]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetTaskMeta returns nil, nil when the job has no overlay yet.
func (s *Store) GetTaskMeta(ctx context.Context, jobID string) (*TaskMeta, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM task_meta WHERE job_id = ?;`, jobID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task meta: %w", err)
	}
	var m TaskMeta
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode task meta %s: %w", jobID, err)
	}
	return &m, nil
}

// ListTaskMeta returns every overlay keyed by job id.
func (s *Store) ListTaskMeta(ctx context.Context) (map[string]TaskMeta, error) {
	return s.queryTaskMeta(ctx, `SELECT job_id, doc FROM task_meta;`)
}

// ListTaskMetaByStatus returns overlays in the given statuses ordered by
// priority desc, then most recently updated first.
func (s *Store) ListTaskMetaByStatus(ctx context.Context, statuses ...TaskStatus) ([]TaskMeta, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	marks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
		marks = append(marks, "?")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM task_meta
		WHERE status IN (`+strings.Join(marks, ",")+`)
		ORDER BY priority DESC, updated_at DESC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list task meta by status: %w", err)
	}
	defer rows.Close()

	var out []TaskMeta
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task meta: %w", err)
		}
		var m TaskMeta
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) queryTaskMeta(ctx context.Context, q string, args ...any) (map[string]TaskMeta, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list task meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TaskMeta)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan task meta: %w", err)
		}
		var m TaskMeta
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			// A corrupt row must not hide the rest of the overlay.
			continue
		}
		out[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task meta rows: %w", err)
	}
	return out, nil
}

// UpsertTaskMeta applies mutate to the current document (a zero document when
// none exists) and replaces the row atomically. The result is normalized:
// priority and attempt bounds are re-clamped and UpdatedAt is stamped.
func (s *Store) UpsertTaskMeta(ctx context.Context, jobID string, mutate func(m *TaskMeta)) (TaskMeta, error) {
	return s.writeTaskMeta(ctx, jobID, mutate, true)
}

// UpdateTaskMeta is UpsertTaskMeta for an overlay that must already exist.
// A missing row yields ErrTaskMetaNotFound and nothing is written.
func (s *Store) UpdateTaskMeta(ctx context.Context, jobID string, mutate func(m *TaskMeta)) (TaskMeta, error) {
	return s.writeTaskMeta(ctx, jobID, mutate, false)
}

func (s *Store) writeTaskMeta(ctx context.Context, jobID string, mutate func(m *TaskMeta), create bool) (TaskMeta, error) {
	if strings.TrimSpace(jobID) == "" {
		return TaskMeta{}, fmt.Errorf("upsert task meta: empty job id")
	}
	var (
		next      TaskMeta
		oldStatus TaskStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur TaskMeta
		var doc string
		oldStatus = ""
		switch err := tx.QueryRowContext(ctx, `SELECT doc FROM task_meta WHERE job_id = ?;`, jobID).Scan(&doc); {
		case err == nil:
			if err := json.Unmarshal([]byte(doc), &cur); err != nil {
				return fmt.Errorf("decode task meta %s: %w", jobID, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			if !create {
				return fmt.Errorf("%w: %s", ErrTaskMetaNotFound, jobID)
			}
			cur = TaskMeta{Status: StatusAssigned}
		default:
			return fmt.Errorf("read task meta: %w", err)
		}
		if doc != "" {
			oldStatus = cur.Status
		}

		if mutate != nil {
			mutate(&cur)
		}
		now := s.clock()
		cur.normalize(jobID, now)
		switch {
		case cur.Status != StatusReview:
			cur.ReviewSince = nil
		case oldStatus != StatusReview || cur.ReviewSince == nil:
			cur.ReviewSince = &now
		}

		encoded, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode task meta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_meta (job_id, status, priority, doc, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO UPDATE SET
				status = excluded.status,
				priority = excluded.priority,
				doc = excluded.doc,
				updated_at = excluded.updated_at;
		`, jobID, string(cur.Status), cur.Priority, string(encoded), cur.CreatedAt, cur.UpdatedAt); err != nil {
			return fmt.Errorf("write task meta: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit task meta: %w", err)
		}
		next = cur
		return nil
	})
	if err != nil {
		return TaskMeta{}, err
	}

	if s.bus != nil && oldStatus != next.Status {
		reason := next.Error
		if next.LastDecision != nil && next.LastDecision.Reason != "" {
			reason = next.LastDecision.Reason
		}
		s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			JobID:     jobID,
			AgentID:   next.AgentID,
			Name:      next.Name,
			OldStatus: string(oldStatus),
			NewStatus: string(next.Status),
			Reason:    reason,
		})
	}
	return next, nil
}

// AppendTaskLog appends one timestamped line to an existing task's log.
func (s *Store) AppendTaskLog(ctx context.Context, jobID, line string) (TaskMeta, error) {
	return s.UpdateTaskMeta(ctx, jobID, func(m *TaskMeta) {
		m.AddLog(s.clock(), line)
	})
}

// AppendTaskNarrative appends a narrative entry to an existing task. Blank
// text leaves the document untouched and returns the current state.
func (s *Store) AppendTaskNarrative(ctx context.Context, jobID string, entry NarrativeEntry) (TaskMeta, error) {
	if strings.TrimSpace(entry.Text) == "" {
		cur, err := s.GetTaskMeta(ctx, jobID)
		if err != nil || cur == nil {
			return TaskMeta{}, err
		}
		return *cur, nil
	}
	return s.UpdateTaskMeta(ctx, jobID, func(m *TaskMeta) {
		m.AddNarrative(s.clock(), entry)
	})
}

// DeleteTaskMeta removes the overlay. Deleting a missing row is not an error.
func (s *Store) DeleteTaskMeta(ctx context.Context, jobID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM task_meta WHERE job_id = ?;`, jobID); err != nil {
			return fmt.Errorf("delete task meta: %w", err)
		}
		return nil
	})
}

// CountByStatus returns the number of tasks per status.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM task_meta GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count task meta: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[TaskStatus(st)] = n
	}
	return out, rows.Err()
}
