package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/taskvisor/internal/audit"
	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
	"github.com/basket/taskvisor/internal/transcript"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidInput = errors.New("invalid task input")
)

// Follow-up delays after operator actions.
const (
	createTickDelay     = 250 * time.Millisecond
	requestRunTickDelay = 100 * time.Millisecond

	broadcastPriority = 4
	maxListLimit      = 2000
	maxTaskNameLen    = 60
)

// Ticker schedules worker ticks. *Worker implements it.
type Ticker interface {
	ScheduleTick(d time.Duration)
}

type ServiceConfig struct {
	Jobs        jobstore.Store
	Store       MetaStore
	Ticker      Ticker
	Transcripts *transcript.Reader
	Bus         *bus.Bus
	Audit       *audit.Log
	Logger      *slog.Logger
	Now         func() time.Time
	CallTimeout time.Duration
}

// Service is the operator-facing task API: it creates, inspects and nudges
// tasks. All state changes go through the same stores the worker uses.
type Service struct {
	cfg        ServiceConfig
	reconciler *Reconciler
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Jobs == nil || cfg.Store == nil {
		return nil, errors.New("task service: job store and metadata store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	defaultDuration(&cfg.CallTimeout, DefaultCallTimeout)
	return &Service{cfg: cfg, reconciler: NewReconciler(cfg.Store, cfg.Now, cfg.Logger)}, nil
}

// TaskView is a job merged with its overlay.
type TaskView struct {
	ID        string               `json:"id"`
	Job       jobstore.Job         `json:"job"`
	Meta      persistence.TaskMeta `json:"metadata"`
	NextRunAt *time.Time           `json:"nextRunAt,omitempty"`
}

type CreateTaskInput struct {
	Message string
	AgentID string
	// Priority 0 means the default.
	Priority float64
	Source   string
	Name     string
	AutoRun  bool
}

type ListOptions struct {
	IDs              []string
	Limit            int
	IncludeNarrative bool
	IncludeLog       bool
	IncludeDisabled  bool
}

// TaskUpdate carries operator edits. Nil fields are left unchanged.
type TaskUpdate struct {
	Priority *float64
	Status   *string
	Name     *string
	Message  *string
}

type ActivityOptions struct {
	Limit           int
	IncludeChildren bool
}

// TaskActivity is the transcript view of a task's latest run.
type TaskActivity struct {
	JobID     string                     `json:"jobId"`
	AgentID   string                     `json:"agentId,omitempty"`
	SessionID string                     `json:"sessionId,omitempty"`
	Lines     []string                   `json:"lines"`
	Children  []transcript.ChildActivity `json:"children"`
	Changes   []transcript.FileChange    `json:"changes,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// summarizeMessage turns a task message into a one-line title.
func summarizeMessage(message string) string {
	s := strings.Join(strings.Fields(message), " ")
	if s == "" {
		return "New task"
	}
	if r := []rune(s); len(r) > maxTaskNameLen {
		return string(r[:maxTaskNameLen-3]) + "..."
	}
	return s
}

// CreateTask creates a disabled one-shot job for the message and its
// overlay. With AutoRun the task is queued and a tick is scheduled.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (TaskView, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TaskView{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	agent := shared.FirstNonEmpty(in.AgentID, shared.DefaultAgentID)
	name := shared.FirstNonEmpty(in.Name, "Task: "+summarizeMessage(message))
	source := shared.FirstNonEmpty(in.Source, "api")
	priority := persistence.DefaultPriority
	if in.Priority != 0 {
		priority = persistence.NormalizePriority(in.Priority)
	}

	job, err := s.cfg.Jobs.Create(ctx, jobstore.CreateSpec{
		AgentID:  agent,
		Name:     name,
		Message:  message,
		Disabled: true,
	})
	if err != nil {
		return TaskView{}, fmt.Errorf("create job: %w", err)
	}

	agent = shared.FirstNonEmpty(job.AgentID, agent)
	name = shared.FirstNonEmpty(job.Name, name)
	now := s.cfg.Now()
	status := persistence.StatusAssigned
	if in.AutoRun {
		status = persistence.StatusRunRequested
	}
	meta, err := s.cfg.Store.UpsertTaskMeta(ctx, job.ID, func(m *persistence.TaskMeta) {
		m.Status = status
		m.Priority = priority
		m.Source = source
		m.AgentID = agent
		m.Name = name
		m.Message = message
		m.Attempts = 0
		m.MaxAttempts = persistence.DefaultMaxAttempts
		if job.CreatedAtMs > 0 {
			m.CreatedAt = msTime(job.CreatedAtMs)
		}
		m.AddLog(now, fmt.Sprintf("Created (source=%s, agent=%s)", source, agent))
		m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: "Task created: " + name})
		if in.AutoRun {
			m.AddLog(now, "Run requested")
			m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: "Run requested"})
		}
	})
	if err != nil {
		return TaskView{}, fmt.Errorf("create task meta: %w", err)
	}

	s.cfg.Bus.Publish(bus.TopicTaskCreated, bus.TaskLifecycleEvent{JobID: job.ID, AgentID: agent, Name: name, Source: source})
	s.cfg.Logger.Info("task created", "job_id", job.ID, "agent_id", agent, "source", source, "auto_run", in.AutoRun)
	if in.AutoRun {
		s.scheduleTick(createTickDelay)
	}
	return s.view(job, meta), nil
}

func (s *Service) scheduleTick(d time.Duration) {
	if s.cfg.Ticker != nil {
		s.cfg.Ticker.ScheduleTick(d)
	}
}

func (s *Service) listJobs(ctx context.Context) ([]jobstore.Job, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	jobs, err := s.cfg.Jobs.List(listCtx, true)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) getJob(ctx context.Context, id string) (jobstore.Job, error) {
	jobs, err := s.listJobs(ctx)
	if err != nil {
		return jobstore.Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id && j.Orchestrated() {
			return j, nil
		}
	}
	return jobstore.Job{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// ListTasks returns merged task views, most recently updated first.
func (s *Service) ListTasks(ctx context.Context, opts ListOptions) ([]TaskView, error) {
	jobs, err := s.listJobs(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.reconciler.SyncFromJobs(ctx, jobs); err != nil {
		s.cfg.Logger.Warn("reconcile before list failed", "error", err)
	}
	metas, err := s.cfg.Store.ListTaskMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("list task meta: %w", err)
	}

	var want map[string]bool
	if len(opts.IDs) > 0 {
		want = make(map[string]bool, len(opts.IDs))
		for _, id := range opts.IDs {
			if id = strings.TrimSpace(id); id != "" {
				want[id] = true
			}
		}
	}

	var out []TaskView
	for _, j := range jobs {
		if !j.Orchestrated() {
			continue
		}
		if want != nil && !want[j.ID] {
			continue
		}
		if !opts.IncludeDisabled && !j.Enabled {
			continue
		}
		meta, ok := metas[j.ID]
		if !ok {
			meta = persistence.TaskMeta{JobID: j.ID, Status: DeriveStatus(j), Priority: persistence.DefaultPriority, MaxAttempts: persistence.DefaultMaxAttempts}
		}
		if !opts.IncludeNarrative {
			meta.Narrative = nil
		}
		if !opts.IncludeLog {
			meta.Log = nil
		}
		out = append(out, s.view(j, meta))
	}

	sort.SliceStable(out, func(a, b int) bool {
		return viewUpdatedAt(out[a]).After(viewUpdatedAt(out[b]))
	})
	limit := opts.Limit
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func viewUpdatedAt(v TaskView) time.Time {
	if !v.Meta.UpdatedAt.IsZero() {
		return v.Meta.UpdatedAt
	}
	switch {
	case v.Job.State.LastRunAtMs > 0:
		return msTime(v.Job.State.LastRunAtMs)
	case v.Job.UpdatedAtMs > 0:
		return msTime(v.Job.UpdatedAtMs)
	default:
		return msTime(v.Job.CreatedAtMs)
	}
}

// RunnableQueue returns the tasks the worker would run next, in order.
func (s *Service) RunnableQueue(ctx context.Context) ([]TaskView, error) {
	all, err := s.ListTasks(ctx, ListOptions{IncludeDisabled: true})
	if err != nil {
		return nil, err
	}
	metas := make([]persistence.TaskMeta, 0, len(all))
	byID := make(map[string]TaskView, len(all))
	for _, v := range all {
		if v.Meta.Status.Runnable() {
			metas = append(metas, v.Meta)
			byID[v.ID] = v
		}
	}
	SortByPriority(metas)
	out := make([]TaskView, 0, len(metas))
	for _, m := range metas {
		out = append(out, byID[m.JobID])
	}
	return out, nil
}

// UpdateTask applies operator edits to the overlay. An unrecognized status
// is repaired to review by the store's normalization.
func (s *Service) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (persistence.TaskMeta, error) {
	if _, err := s.getJob(ctx, id); err != nil {
		return persistence.TaskMeta{}, err
	}
	now := s.cfg.Now()
	return s.cfg.Store.UpsertTaskMeta(ctx, id, func(m *persistence.TaskMeta) {
		if upd.Priority != nil {
			m.Priority = persistence.NormalizePriority(*upd.Priority)
		}
		if upd.Status != nil {
			st, ok := persistence.ParseTaskStatus(*upd.Status)
			if !ok {
				st = persistence.StatusReview
			}
			if st != m.Status {
				m.AddLog(now, fmt.Sprintf("Status set to %s", st))
			}
			m.Status = st
		}
		if upd.Name != nil {
			m.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Message != nil {
			m.Message = strings.TrimSpace(*upd.Message)
		}
	})
}

// RequestRun queues the task and schedules a tick shortly after.
func (s *Service) RequestRun(ctx context.Context, id string) error {
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	now := s.cfg.Now()
	if _, err := s.cfg.Store.UpsertTaskMeta(ctx, id, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusRunRequested
		m.AddLog(now, "Run requested")
	}); err != nil {
		return fmt.Errorf("request run: %w", err)
	}
	s.scheduleTick(requestRunTickDelay)
	return nil
}

// MarkPickedUp records that someone outside the worker took the task.
func (s *Service) MarkPickedUp(ctx context.Context, id string) error {
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	now := s.cfg.Now()
	_, err := s.cfg.Store.UpsertTaskMeta(ctx, id, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusPickedUp
		m.PickedUpAt = &now
		m.AddLog(now, "Picked up")
	})
	return err
}

// MarkCompleted closes the task by hand. A blank result keeps the previous one.
func (s *Service) MarkCompleted(ctx context.Context, id, result string) error {
	if _, err := s.getJob(ctx, id); err != nil {
		return err
	}
	now := s.cfg.Now()
	_, err := s.cfg.Store.UpsertTaskMeta(ctx, id, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusCompleted
		m.CompletedAt = &now
		m.Result = shared.FirstNonEmpty(result, m.Result)
		m.AddLog(now, "Completed")
	})
	return err
}

// Activity summarizes the transcript of the task's latest run.
func (s *Service) Activity(ctx context.Context, id string, opts ActivityOptions) (TaskActivity, error) {
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = 400
	case limit < 50:
		limit = 50
	case limit > 2000:
		limit = 2000
	}

	out := TaskActivity{JobID: id, Lines: []string{}, Children: []transcript.ChildActivity{}}
	entries, err := s.Runs(ctx, id, 1)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return out, err
	}
	if len(entries) == 0 || entries[0].SessionID == "" {
		out.Error = "No run sessionId found yet"
		return out, nil
	}
	entry := entries[0]
	out.SessionID = entry.SessionID
	out.AgentID = transcript.AgentFromSessionKey(entry.SessionKey)
	if s.cfg.Transcripts == nil {
		out.Error = "Transcripts unavailable"
		return out, nil
	}

	act, err := s.cfg.Transcripts.Collect(ctx, entry.SessionID, out.AgentID, transcript.CollectOptions{
		RootLimit:  limit,
		ChildLimit: min(300, limit),
	})
	if err != nil {
		return out, fmt.Errorf("collect activity: %w", err)
	}
	out.Lines = act.Lines
	out.Changes = act.Changes
	if opts.IncludeChildren && act.Children != nil {
		out.Children = act.Children
	}
	return out, nil
}

// Runs returns the job's run history, newest first.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]jobstore.RunEntry, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	runsCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.cfg.Jobs.Runs(runsCtx, id, limit)
}

// DeleteTask removes the job, then its overlay.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	rmCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := s.cfg.Jobs.Remove(rmCtx, id)
	cancel()
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return fmt.Errorf("remove job: %w", err)
	}
	if err := s.cfg.Store.DeleteTaskMeta(ctx, id); err != nil {
		return err
	}
	s.cfg.Bus.Publish(bus.TopicTaskDeleted, bus.TaskLifecycleEvent{JobID: id})
	s.cfg.Audit.Record(ctx, audit.Entry{JobID: id, Action: audit.ActionDelete, Decision: "deleted", Reason: "removed by operator"})
	s.cfg.Logger.Info("task deleted", "job_id", id)
	return nil
}

// Broadcast creates one auto-run task per agent.
func (s *Service) Broadcast(ctx context.Context, message string, agentIDs []string) ([]TaskView, error) {
	if strings.TrimSpace(message) == "" || len(agentIDs) == 0 {
		return nil, fmt.Errorf("%w: message and agentIds are required", ErrInvalidInput)
	}
	out := make([]TaskView, 0, len(agentIDs))
	for _, agent := range agentIDs {
		v, err := s.CreateTask(ctx, CreateTaskInput{
			Message:  message,
			AgentID:  agent,
			Priority: broadcastPriority,
			Source:   "broadcast",
			AutoRun:  true,
		})
		if err != nil {
			return out, fmt.Errorf("broadcast to %s: %w", agent, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// TaskFromChat recognizes "task:" and "/task" chat messages and returns the
// task text with the prefix removed.
func TaskFromChat(message string) (string, bool) {
	raw := strings.TrimSpace(message)
	lower := strings.ToLower(raw)
	var rest string
	switch {
	case strings.HasPrefix(lower, "task:"):
		rest = raw[len("task:"):]
	case strings.HasPrefix(lower, "/task"):
		rest = raw[len("/task"):]
	default:
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

// CaptureChatTask creates an auto-run task when message is a task command.
// ok is false when the message is ordinary chat.
func (s *Service) CaptureChatTask(ctx context.Context, message, agentID string) (TaskView, bool, error) {
	text, ok := TaskFromChat(message)
	if !ok {
		return TaskView{}, false, nil
	}
	v, err := s.CreateTask(ctx, CreateTaskInput{Message: text, AgentID: agentID, Source: "chat", AutoRun: true})
	return v, true, err
}

func (s *Service) view(job jobstore.Job, meta persistence.TaskMeta) TaskView {
	return TaskView{ID: job.ID, Job: job, Meta: meta, NextRunAt: nextRun(job, s.cfg.Now())}
}

// nextRun previews when the runtime will next run an enabled job on its
// own schedule.
func nextRun(job jobstore.Job, now time.Time) *time.Time {
	if !job.Enabled {
		return nil
	}
	if job.State.NextRunAtMs > 0 {
		t := msTime(job.State.NextRunAtMs)
		return &t
	}
	var next time.Time
	switch job.Schedule.Kind {
	case jobstore.ScheduleCron:
		sched, err := cron.ParseStandard(job.Schedule.Expr)
		if err != nil {
			return nil
		}
		next = sched.Next(now)
	case jobstore.ScheduleInterval:
		if job.Schedule.EveryMs <= 0 {
			return nil
		}
		next = cron.Every(time.Duration(job.Schedule.EveryMs) * time.Millisecond).Next(now)
	case jobstore.ScheduleAt:
		t, err := time.Parse(time.RFC3339, job.Schedule.At)
		if err != nil || t.Before(now) {
			return nil
		}
		next = t
	default:
		return nil
	}
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}
