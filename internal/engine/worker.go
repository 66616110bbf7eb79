package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskvisor/internal/audit"
	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/invoker"
	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/llm"
	"github.com/basket/taskvisor/internal/oracle"
	"github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
	"github.com/basket/taskvisor/internal/telemetry"
)

// Triager judges a finished run. *oracle.Client implements it.
type Triager interface {
	Triage(ctx context.Context, in oracle.TriageInput) (oracle.Decision, error)
}

// RunInvoker executes runs and fetches their records. *invoker.Invoker
// implements it.
type RunInvoker interface {
	Mode() invoker.Mode
	Trigger(ctx context.Context, job jobstore.Job, meta persistence.TaskMeta) (*invoker.RunContext, error)
	FromLastRun(meta persistence.TaskMeta, agentID string) *invoker.RunContext
	AwaitRunRecord(ctx context.Context, jobID, agentID string, triggeredAt time.Time) (*invoker.RunContext, error)
}

// Timer is a pending follow-up tick. *time.Timer implements it.
type Timer interface {
	Stop() bool
}

const (
	DefaultReviewCooldown  = 60 * time.Second
	DefaultRetryDelay      = 500 * time.Millisecond
	DefaultFollowUpDelay   = 750 * time.Millisecond
	DefaultRecordWaitDelay = 1500 * time.Millisecond
	DefaultPickedUpStale   = 5 * time.Minute
	DefaultReviewAutoFail  = 2 * time.Hour
	DefaultCallTimeout     = 20 * time.Second
	DefaultTriggerTimeout  = 120 * time.Second

	minReviewCooldown = 5 * time.Second
	minStaleAge       = 30 * time.Second

	// maxRecordWaits is how many consecutive record waits use the short
	// RecordWaitDelay before the task falls back to the review cooldown.
	maxRecordWaits = 3

	maxSummaryNarration = 4000
	maxStoredError      = 2000
)

// Skip reasons reported by Tick.
const (
	SkipInFlight   = "in_flight"
	SkipForeground = "foreground"
)

// Tick actions.
const (
	ActionIdle   = "idle"
	ActionRun    = "run"
	ActionTriage = "triage"
)

const waitingForRunRecord = "Waiting for run record"

type WorkerConfig struct {
	Jobs    jobstore.Store
	Store   MetaStore
	Invoker RunInvoker
	Triager Triager

	Bus     *bus.Bus
	Audit   *audit.Log
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	ReviewCooldown  time.Duration
	RetryDelay      time.Duration
	FollowUpDelay   time.Duration
	RecordWaitDelay time.Duration
	PickedUpStale   time.Duration
	ReviewAutoFail  time.Duration
	CallTimeout     time.Duration
	TriggerTimeout  time.Duration

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// TickResult describes what one tick did.
type TickResult struct {
	TraceID   string                 `json:"traceId,omitempty"`
	StartedAt time.Time              `json:"startedAt"`
	Duration  time.Duration          `json:"durationNs"`
	Skipped   string                 `json:"skipped,omitempty"`
	Action    string                 `json:"action,omitempty"`
	JobID     string                 `json:"jobId,omitempty"`
	Status    persistence.TaskStatus `json:"status,omitempty"`
	Verdict   string                 `json:"verdict,omitempty"`
	Imported  bool                   `json:"imported,omitempty"`
	Recovered int                    `json:"recovered,omitempty"`
	FollowUp  time.Duration          `json:"followUpNs,omitempty"`
	Err       string                 `json:"error,omitempty"`
}

// followUp keeps the earliest requested follow-up.
func (r *TickResult) followUp(d time.Duration) {
	if d <= 0 {
		return
	}
	if r.FollowUp == 0 || d < r.FollowUp {
		r.FollowUp = d
	}
}

// Worker advances at most one task per tick. Ticks never overlap: a tick
// that starts while another is running, or while foreground work is
// active, returns immediately.
type Worker struct {
	cfg        WorkerConfig
	reconciler *Reconciler

	inFlight       atomic.Bool
	foreground     atomic.Int32
	reviewCooldown atomic.Int64
	retryDelay     atomic.Int64
	heartbeat      atomic.Int64
	lastTick       atomic.Pointer[TickResult]

	timerMu sync.Mutex
	pending Timer
	stopped bool
	baseCtx context.Context
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("worker: job store is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("worker: metadata store is required")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("worker: run invoker is required")
	}
	if cfg.Triager == nil {
		return nil, errors.New("worker: triager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	defaultDuration(&cfg.ReviewCooldown, DefaultReviewCooldown)
	defaultDuration(&cfg.RetryDelay, DefaultRetryDelay)
	defaultDuration(&cfg.FollowUpDelay, DefaultFollowUpDelay)
	defaultDuration(&cfg.RecordWaitDelay, DefaultRecordWaitDelay)
	defaultDuration(&cfg.PickedUpStale, DefaultPickedUpStale)
	defaultDuration(&cfg.ReviewAutoFail, DefaultReviewAutoFail)
	defaultDuration(&cfg.CallTimeout, DefaultCallTimeout)
	defaultDuration(&cfg.TriggerTimeout, DefaultTriggerTimeout)

	w := &Worker{
		cfg:        cfg,
		reconciler: NewReconciler(cfg.Store, cfg.Now, cfg.Logger),
		baseCtx:    context.Background(),
	}
	w.SetTimings(cfg.ReviewCooldown, cfg.RetryDelay)
	return w, nil
}

func defaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Start binds the context used by follow-up ticks.
func (w *Worker) Start(ctx context.Context) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	w.baseCtx = ctx
	w.stopped = false
}

// Stop cancels the pending follow-up tick. Later follow-ups are dropped.
func (w *Worker) Stop() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	w.stopped = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}

// SetTimings updates the timings that may change on config reload.
func (w *Worker) SetTimings(reviewCooldown, retryDelay time.Duration) {
	if reviewCooldown > 0 {
		w.reviewCooldown.Store(int64(reviewCooldown))
	}
	if retryDelay > 0 {
		w.retryDelay.Store(int64(retryDelay))
	}
}

func (w *Worker) ReviewCooldown() time.Duration {
	d := time.Duration(w.reviewCooldown.Load())
	if d < minReviewCooldown {
		return minReviewCooldown
	}
	return d
}

func (w *Worker) RetryDelay() time.Duration {
	return time.Duration(w.retryDelay.Load())
}

// BeginForeground marks interactive work as active until the returned
// release func is called. Ticks skip while any foreground work is active.
func (w *Worker) BeginForeground() func() {
	w.foreground.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { w.foreground.Add(-1) })
	}
}

// Heartbeat returns the start time of the latest tick that got past the
// guard. Zero before the first one.
func (w *Worker) Heartbeat() time.Time {
	ms := w.heartbeat.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// LastTick returns the latest completed tick, or nil.
func (w *Worker) LastTick() *TickResult {
	r := w.lastTick.Load()
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// FollowUpPending reports whether a follow-up tick is scheduled.
func (w *Worker) FollowUpPending() bool {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	return w.pending != nil
}

// ScheduleTick arranges one tick after d. Only one follow-up can be
// pending; a request while one is pending is dropped.
func (w *Worker) ScheduleTick(d time.Duration) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.stopped || w.pending != nil {
		return
	}
	w.pending = w.cfg.AfterFunc(d, func() {
		w.timerMu.Lock()
		w.pending = nil
		ctx, stopped := w.baseCtx, w.stopped
		w.timerMu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		w.Tick(ctx)
	})
}

// Tick runs one pass of the worker loop.
func (w *Worker) Tick(ctx context.Context) TickResult {
	if w.foreground.Load() > 0 {
		w.cfg.Metrics.RecordSkip(ctx, SkipForeground)
		return TickResult{Skipped: SkipForeground}
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		w.cfg.Metrics.RecordSkip(ctx, SkipInFlight)
		return TickResult{Skipped: SkipInFlight}
	}
	res := w.guardedTick(ctx)
	if res.FollowUp > 0 {
		w.ScheduleTick(res.FollowUp)
	}
	return res
}

func (w *Worker) guardedTick(ctx context.Context) (res TickResult) {
	defer w.inFlight.Store(false)

	start := w.cfg.Now()
	res.StartedAt = start
	res.TraceID = shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, res.TraceID)
	ctx, span := otel.StartSpan(ctx, w.cfg.Tracer, "worker.tick", otel.AttrTraceID.String(res.TraceID))
	w.heartbeat.Store(start.UnixMilli())

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Sprintf("panic: %v", r)
			w.logger(ctx).Error("worker tick panicked", "panic", r)
		}
		res.Duration = w.cfg.Now().Sub(start)
		if res.JobID != "" {
			span.SetAttributes(otel.AttrJobID.String(res.JobID))
		}
		if res.Err != "" {
			span.SetStatus(codes.Error, res.Err)
		}
		span.End()
		w.cfg.Metrics.RecordTick(ctx, res.Duration)
		snapshot := res
		w.lastTick.Store(&snapshot)
	}()

	w.tick(ctx, &res)
	return res
}

func (w *Worker) logger(ctx context.Context) *slog.Logger {
	return telemetry.WithTrace(ctx, w.cfg.Logger)
}

func (w *Worker) tick(ctx context.Context, res *TickResult) {
	log := w.logger(ctx)

	listCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	jobs, err := w.cfg.Jobs.List(listCtx, true)
	cancel()
	if err != nil {
		w.cfg.Metrics.RecordTransportError(ctx, "list")
		log.Warn("list jobs failed", "error", err)
		res.Err = err.Error()
		return
	}

	imported, err := w.reconciler.SyncFromJobs(ctx, jobs)
	res.Imported = imported
	if err != nil {
		// Jobs that did sync are still worked on.
		log.Error("reconcile incomplete", "error", err)
		res.Err = err.Error()
	}

	metas, err := w.cfg.Store.ListTaskMeta(ctx)
	if err != nil {
		log.Error("list task meta failed", "error", err)
		res.Err = err.Error()
		return
	}

	jobsByID := make(map[string]jobstore.Job, len(jobs))
	for _, j := range jobs {
		if j.Orchestrated() && j.ID != "" {
			jobsByID[j.ID] = j
		}
	}

	now := w.cfg.Now()
	res.Recovered = w.recoverStuck(ctx, jobsByID, metas, now)

	runQueue, reviewQueue := w.queues(jobsByID, metas, now)
	if len(runQueue) > 1 || len(reviewQueue) > 1 {
		res.followUp(w.cfg.FollowUpDelay)
	}

	var (
		meta       persistence.TaskMeta
		fromReview bool
	)
	switch {
	case len(runQueue) > 0:
		meta = runQueue[0]
	case len(reviewQueue) > 0:
		meta, fromReview = reviewQueue[0], true
	default:
		res.Action = ActionIdle
		return
	}

	job := jobsByID[meta.JobID]
	res.JobID = job.ID
	w.advance(shared.WithJobID(ctx, job.ID), job, meta, fromReview, res)
}

// recoverStuck requeues (or fails, when attempts are exhausted) tasks that
// stayed in picked_up past the stale threshold. metas is updated in place.
func (w *Worker) recoverStuck(ctx context.Context, jobs map[string]jobstore.Job, metas map[string]persistence.TaskMeta, now time.Time) int {
	staleAfter := w.cfg.PickedUpStale
	if staleAfter < minStaleAge {
		staleAfter = minStaleAge
	}
	recovered := 0
	for id, m := range metas {
		if _, ok := jobs[id]; !ok || m.Status != persistence.StatusPickedUp || m.PickedUpAt == nil {
			continue
		}
		if now.Sub(*m.PickedUpAt) < staleAfter {
			continue
		}

		exhausted := m.AttemptsExhausted()
		updated, err := w.cfg.Store.UpdateTaskMeta(ctx, id, func(t *persistence.TaskMeta) {
			if exhausted {
				t.Status = persistence.StatusFailed
				t.CompletedAt = &now
				t.Error = shared.FirstNonEmpty(t.Error, "Stuck in picked_up (max attempts reached)")
				t.AddLog(now, "Auto-failed: stuck in picked_up (max attempts)")
				return
			}
			t.Status = persistence.StatusRunRequested
			t.Error = shared.FirstNonEmpty(t.Error, "Recovered from stuck picked_up")
			t.AddLog(now, "Auto-requeued: recovered from stuck picked_up")
		})
		if err != nil {
			w.logger(ctx).Error("recover stuck task failed", "job_id", id, "error", err)
			continue
		}
		metas[id] = updated
		recovered++

		decision := string(persistence.StatusRunRequested)
		if exhausted {
			decision = string(oracle.VerdictFailed)
			w.cfg.Metrics.RecordAutoFail(ctx, "picked_up_stale")
		}
		w.cfg.Audit.Record(ctx, audit.Entry{JobID: id, Action: audit.ActionRecovery, Decision: decision, Reason: updated.Error})
		w.logger(ctx).Warn("recovered stuck task", "job_id", id, "status", updated.Status, "attempts", updated.Attempts)
	}
	return recovered
}

// queues returns the runnable and review-eligible tasks whose job still
// exists, each ordered by priority (high first) then most recently updated.
func (w *Worker) queues(jobs map[string]jobstore.Job, metas map[string]persistence.TaskMeta, now time.Time) (run, review []persistence.TaskMeta) {
	cooldown := w.ReviewCooldown()
	for id, m := range metas {
		if _, ok := jobs[id]; !ok {
			continue
		}
		switch {
		case m.Status.Runnable():
			run = append(run, m)
		case m.Status == persistence.StatusReview:
			if w.reviewDue(m, now, cooldown) {
				review = append(review, m)
			}
		}
	}
	SortByPriority(run)
	SortByPriority(review)
	return run, review
}

// reviewDue reports whether a review task is out of its cooldown. A task
// waiting on a run record uses the short record-wait delay for its first
// maxRecordWaits waits.
func (w *Worker) reviewDue(m persistence.TaskMeta, now time.Time, cooldown time.Duration) bool {
	d := m.LastDecision
	if d == nil || d.Ts == 0 {
		return true
	}
	if d.Reason == waitingForRunRecord && m.RecordWaits <= maxRecordWaits {
		cooldown = w.cfg.RecordWaitDelay
	}
	return now.Sub(msTime(d.Ts)) > cooldown
}

// SortByPriority orders tasks by priority descending, then updatedAt
// descending, then job id for a stable result.
func SortByPriority(tasks []persistence.TaskMeta) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.JobID < b.JobID
	})
}

// advance drives one task through trigger, run record, triage and the
// resulting transition.
func (w *Worker) advance(ctx context.Context, job jobstore.Job, meta persistence.TaskMeta, fromReview bool, res *TickResult) {
	log := w.logger(ctx)
	agent := shared.FirstNonEmpty(job.AgentID, meta.AgentID, shared.DefaultAgentID)
	attemptsBefore := meta.Attempts

	var (
		rc          *invoker.RunContext
		triggeredAt time.Time
		err         error
	)
	runStart := w.cfg.Now()

	if fromReview {
		res.Action = ActionTriage
	} else {
		res.Action = ActionRun
		meta, err = w.pickUp(ctx, job.ID, agent, meta)
		if w.deleted(ctx, err) {
			return
		}
		if err != nil {
			log.Error("pick up failed", "error", err)
			res.Err = err.Error()
			return
		}
		w.cfg.Bus.Publish(bus.TopicTaskRunStarted, bus.TaskRunEvent{
			JobID: job.ID, AgentID: agent, Attempt: meta.Attempts, Max: meta.MaxAttempts,
		})

		triggeredAt = w.cfg.Now()
		trigCtx, cancel := context.WithTimeout(ctx, w.cfg.TriggerTimeout)
		spanCtx, span := otel.StartClientSpan(trigCtx, w.cfg.Tracer, "invoker.trigger",
			otel.AttrJobID.String(job.ID),
			otel.AttrAgentID.String(agent),
			otel.AttrAttempt.Int(meta.Attempts),
			otel.AttrMode.String(string(w.cfg.Invoker.Mode())),
		)
		rc, err = w.cfg.Invoker.Trigger(spanCtx, job, meta)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		if err != nil {
			w.runError(ctx, job.ID, agent, meta, llm.TimeoutError("run trigger", err), res)
			return
		}
	}

	if rc == nil && fromReview && w.cfg.Invoker.Mode() == invoker.ModeGateway {
		rc = w.cfg.Invoker.FromLastRun(meta, agent)
	}
	if rc == nil {
		rc, err = w.cfg.Invoker.AwaitRunRecord(ctx, job.ID, agent, triggeredAt)
		if err != nil {
			log.Warn("await run record failed", "error", err)
		}
	}
	if !fromReview {
		w.cfg.Metrics.RecordRun(ctx, string(w.cfg.Invoker.Mode()), w.cfg.Now().Sub(runStart))
	}

	if rc == nil || rc.Entry == nil {
		w.awaitRecord(ctx, job.ID, res)
		return
	}

	entry := *rc.Entry
	entry.Status = strings.ToLower(strings.TrimSpace(shared.FirstNonEmpty(entry.Status, job.State.LastStatus)))
	runStatus := entry.Status
	runSummary := strings.TrimSpace(entry.Summary)
	runError := strings.TrimSpace(shared.FirstNonEmpty(entry.Error, job.State.LastError))

	meta, err = w.cfg.Store.UpdateTaskMeta(ctx, job.ID, func(m *persistence.TaskMeta) {
		m.RecordWaits = 0
		m.LastSeenRunAtMs = max(m.LastSeenRunAtMs, entry.Ts, job.State.LastRunAtMs)
		m.LastRun = &persistence.RunSnapshot{
			Ts:         entry.Ts,
			Status:     runStatus,
			Summary:    runSummary,
			Error:      runError,
			SessionID:  entry.SessionID,
			SessionKey: entry.SessionKey,
		}
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		log.Error("record run failed", "error", err)
		res.Err = err.Error()
		return
	}

	if entry.OK() {
		w.completeFromRuntime(ctx, job.ID, agent, runSummary, res)
		return
	}

	triageStart := w.cfg.Now()
	triageCtx, span := otel.StartClientSpan(ctx, w.cfg.Tracer, "oracle.triage",
		otel.AttrJobID.String(job.ID),
		otel.AttrRunState.String(runStatus),
	)
	decision, err := w.cfg.Triager.Triage(triageCtx, oracle.TriageInput{
		Job:      job,
		Meta:     meta,
		Run:      &entry,
		Activity: rc.Activity,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(otel.AttrVerdict.String(string(decision.Verdict)))
	}
	span.End()
	w.cfg.Metrics.RecordTriage(ctx, w.cfg.Now().Sub(triageStart))
	if err != nil {
		w.oracleError(ctx, job.ID, agent, err, res)
		return
	}

	applied := w.applyEdits(ctx, job.ID, decision.Edits)
	w.applyDecision(ctx, job.ID, agent, decision, applied, attemptsBefore, runSummary, runError, res)
}

func (w *Worker) pickUp(ctx context.Context, jobID, agent string, meta persistence.TaskMeta) (persistence.TaskMeta, error) {
	next := meta.Attempts + 1
	maxAttempts := meta.MaxAttempts
	now := w.cfg.Now()
	return w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusPickedUp
		m.PickedUpAt = &now
		m.Attempts = next
		m.RecordWaits = 0
		m.Error = ""
		m.AddLog(now, fmt.Sprintf("Worker picked up (agent=%s, attempt=%d/%d)", agent, next, maxAttempts))
		m.AddNarrative(now, persistence.NarrativeEntry{
			Role:    "system",
			AgentID: agent,
			Text:    fmt.Sprintf("Attempt %d/%d started", next, maxAttempts),
		})
	})
}

// awaitRecord parks a task whose run left no record yet. The stamped
// decision puts it under the review cooldown; quick follow-ups stop after
// maxRecordWaits.
func (w *Worker) awaitRecord(ctx context.Context, jobID string, res *TickResult) {
	now := w.cfg.Now()
	updated, err := w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.Error = waitingForRunRecord
		m.RecordWaits++
		m.LastDecision = &persistence.DecisionSnapshot{
			Ts:       now.UnixMilli(),
			Decision: string(oracle.VerdictReview),
			Reason:   waitingForRunRecord,
		}
		m.AddLog(now, waitingForRunRecord)
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		w.logger(ctx).Error("record wait state failed", "error", err)
		res.Err = err.Error()
		return
	}
	res.Status = persistence.StatusReview
	if updated.RecordWaits <= maxRecordWaits {
		res.followUp(w.cfg.RecordWaitDelay)
	}
}

// deleted reports whether err means the task's overlay was removed while
// the tick was running. The tick's outcome is then dropped.
func (w *Worker) deleted(ctx context.Context, err error) bool {
	if !errors.Is(err, persistence.ErrTaskMetaNotFound) {
		return false
	}
	w.logger(ctx).Info("task deleted during tick; result dropped")
	return true
}

// runError parks a task whose run could not be triggered.
func (w *Worker) runError(ctx context.Context, jobID, agent string, meta persistence.TaskMeta, cause error, res *TickResult) {
	msg := cause.Error()
	now := w.cfg.Now()
	w.logger(ctx).Warn("run trigger failed", "error", msg)
	w.cfg.Metrics.RecordTransportError(ctx, "trigger")
	_, err := w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.Error = shared.Clip(msg, maxStoredError)
		m.LastDecision = &persistence.DecisionSnapshot{
			Ts:       now.UnixMilli(),
			Decision: string(oracle.VerdictReview),
			Reason:   shared.Clip(msg, maxStoredError),
		}
		m.AddLog(now, "Error: "+msg)
		m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: "Run error: " + msg})
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		w.logger(ctx).Error("record run error failed", "error", err)
	}
	w.cfg.Bus.Publish(bus.TopicTaskRunFailed, bus.TaskRunEvent{
		JobID: jobID, AgentID: agent, Attempt: meta.Attempts, Max: meta.MaxAttempts, Error: msg,
	})
	w.cfg.Audit.Record(ctx, audit.Entry{JobID: jobID, Action: audit.ActionTransport, Decision: string(oracle.VerdictReview), Reason: msg})
	res.Status = persistence.StatusReview
	res.Err = msg
}

// oracleError parks a task whose triage call failed. The stored error is
// the oracle's, so a timeout stays visible.
func (w *Worker) oracleError(ctx context.Context, jobID, agent string, cause error, res *TickResult) {
	msg := cause.Error()
	now := w.cfg.Now()
	w.logger(ctx).Warn("triage failed", "error", msg, "class", llm.ClassifyError(cause))
	w.cfg.Metrics.RecordTransportError(ctx, "triage")
	_, err := w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.Error = shared.Clip(msg, maxStoredError)
		m.LastDecision = &persistence.DecisionSnapshot{
			Ts:       now.UnixMilli(),
			Decision: string(oracle.VerdictReview),
			Reason:   msg,
		}
		m.AddLog(now, "Supervisor error: "+msg)
		m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: "Supervisor error: " + msg})
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		w.logger(ctx).Error("record triage error failed", "error", err)
	}
	w.cfg.Bus.Publish(bus.TopicTaskDecision, bus.TaskDecisionEvent{JobID: jobID, Decision: string(oracle.VerdictReview), Reason: msg})
	w.cfg.Audit.Record(ctx, audit.Entry{JobID: jobID, Action: audit.ActionTransport, Decision: string(oracle.VerdictReview), Reason: msg})
	res.Status = persistence.StatusReview
	res.Verdict = string(oracle.VerdictReview)
	res.Err = msg
}

func (w *Worker) completeFromRuntime(ctx context.Context, jobID, agent, summary string, res *TickResult) {
	const reason = "Run status ok"
	now := w.cfg.Now()
	_, err := w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		markCompleted(m, now, summary)
		m.LastDecision = &persistence.DecisionSnapshot{
			Ts:       now.UnixMilli(),
			Decision: string(oracle.VerdictCompleted),
			Reason:   reason,
		}
		if summary != "" {
			m.AddNarrative(now, persistence.NarrativeEntry{Role: "assistant", AgentID: agent, Text: shared.Clip(summary, maxSummaryNarration)})
		}
		m.AddLog(now, "Worker marked completed (run ok)")
		m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: "Completed"})
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		w.logger(ctx).Error("complete task failed", "error", err)
		res.Err = err.Error()
		return
	}
	w.finish(ctx, jobID, audit.ActionRuntime, oracle.VerdictCompleted, persistence.StatusCompleted, reason, nil, res)
}

func markCompleted(m *persistence.TaskMeta, now time.Time, summary string) {
	m.Status = persistence.StatusCompleted
	m.CompletedAt = &now
	m.Result = shared.FirstNonEmpty(summary, m.Result, "Completed")
	m.Error = ""
	m.Attempts = 0
}

// applyEdits pushes the supervisor's job edits to the job store and
// returns the labels of those that succeeded.
func (w *Worker) applyEdits(ctx context.Context, jobID string, edits oracle.Edits) []string {
	if edits.Empty() {
		return nil
	}
	var applied []string
	edit := func(patch jobstore.Patch, label string) {
		editCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		defer cancel()
		if err := w.cfg.Jobs.Edit(editCtx, jobID, patch); err != nil {
			w.cfg.Metrics.RecordTransportError(ctx, "edit")
			w.logger(ctx).Warn("apply job edit failed", "edit", label, "error", err)
			return
		}
		applied = append(applied, label)
	}
	if edits.NoDeliver {
		edit(jobstore.Patch{NoDeliver: true}, "noDeliver")
	}
	if edits.Enabled != nil {
		label := "disabled"
		if *edits.Enabled {
			label = "enabled"
		}
		edit(jobstore.Patch{Enabled: edits.Enabled}, label)
	}
	return applied
}

// transition is the outcome of a verdict.
type transition struct {
	status    persistence.TaskStatus
	decision  oracle.Verdict
	reason    string
	logLine   string
	narration string
	disable   bool
	followUp  time.Duration
}

// planTransition maps a verdict onto the next state. attemptsBefore is the
// attempt count the task had when the tick started.
func planTransition(d oracle.Decision, attemptsBefore, maxAttempts int, retryDelay time.Duration) transition {
	reason := d.Reason
	switch d.Verdict {
	case oracle.VerdictCompleted:
		return transition{
			status:    persistence.StatusCompleted,
			decision:  oracle.VerdictCompleted,
			reason:    reason,
			logLine:   "Worker marked completed",
			narration: "Completed: " + shared.FirstNonEmpty(reason, "ok"),
		}
	case oracle.VerdictRetry:
		if attemptsBefore >= maxAttempts {
			return transition{
				status:    persistence.StatusFailed,
				decision:  oracle.VerdictFailed,
				reason:    strings.TrimSpace("Max attempts reached. " + reason),
				logLine:   "Worker marked failed (max attempts)",
				narration: fmt.Sprintf("Failed after %d attempts: %s", maxAttempts, reason),
				disable:   true,
			}
		}
		return transition{
			status:    persistence.StatusRunRequested,
			decision:  oracle.VerdictRetry,
			reason:    reason,
			logLine:   "Retry requested: " + reason,
			narration: "Retry requested: " + reason,
			followUp:  retryDelay,
		}
	case oracle.VerdictFailed:
		return transition{
			status:    persistence.StatusFailed,
			decision:  oracle.VerdictFailed,
			reason:    reason,
			logLine:   "Worker marked failed: " + reason,
			narration: "Failed: " + reason,
			disable:   true,
		}
	default:
		return transition{
			status:    persistence.StatusReview,
			decision:  oracle.VerdictReview,
			reason:    reason,
			logLine:   "Worker left in review: " + reason,
			narration: "In review: " + reason,
		}
	}
}

func (w *Worker) applyDecision(ctx context.Context, jobID, agent string, d oracle.Decision, applied []string, attemptsBefore int, runSummary, runError string, res *TickResult) {
	now := w.cfg.Now()
	var tr transition
	_, err := w.cfg.Store.UpdateTaskMeta(ctx, jobID, func(m *persistence.TaskMeta) {
		tr = planTransition(d, attemptsBefore, m.MaxAttempts, w.RetryDelay())

		if len(applied) > 0 {
			line := "Applied edits: " + strings.Join(applied, ", ")
			m.AddLog(now, line)
			m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: line})
		}
		for _, n := range d.Narration {
			m.AddNarrative(now, persistence.NarrativeEntry{Role: "assistant", AgentID: agent, Text: n})
		}

		switch tr.status {
		case persistence.StatusCompleted:
			markCompleted(m, now, runSummary)
		case persistence.StatusFailed:
			m.Status = persistence.StatusFailed
			m.CompletedAt = &now
			m.Error = shared.Clip(shared.FirstNonEmpty(d.Reason, runError, "Failed"), maxStoredError)
		case persistence.StatusRunRequested:
			m.Status = persistence.StatusRunRequested
			m.Error = shared.Clip(shared.FirstNonEmpty(d.Reason, runError), maxStoredError)
		default:
			m.Status = persistence.StatusReview
			m.Error = shared.Clip(shared.FirstNonEmpty(d.Reason, runError, m.Error), maxStoredError)
		}
		m.LastDecision = &persistence.DecisionSnapshot{
			Ts:           now.UnixMilli(),
			Decision:     string(tr.decision),
			Reason:       tr.reason,
			EditsApplied: applied,
		}
		m.AddLog(now, tr.logLine)
		m.AddNarrative(now, persistence.NarrativeEntry{Role: "system", AgentID: agent, Text: tr.narration})
	})
	if w.deleted(ctx, err) {
		return
	}
	if err != nil {
		w.logger(ctx).Error("apply decision failed", "verdict", d.Verdict, "error", err)
		res.Err = err.Error()
		return
	}

	if tr.disable {
		w.disableJob(ctx, jobID)
	}
	res.followUp(tr.followUp)
	w.finish(ctx, jobID, audit.ActionTriage, tr.decision, tr.status, tr.reason, applied, res)
}

// disableJob turns a failed task's job off so the runtime stops scheduling it.
func (w *Worker) disableJob(ctx context.Context, jobID string) {
	off := false
	editCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	if err := w.cfg.Jobs.Edit(editCtx, jobID, jobstore.Patch{Enabled: &off}); err != nil {
		w.logger(ctx).Warn("auto-disable job failed", "error", err)
		return
	}
	if _, err := w.cfg.Store.AppendTaskLog(ctx, jobID, "Auto-disabled job after failure: disabled"); err != nil {
		w.logger(ctx).Warn("log auto-disable failed", "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, jobID, action string, verdict oracle.Verdict, status persistence.TaskStatus, reason string, applied []string, res *TickResult) {
	res.Status = status
	res.Verdict = string(verdict)
	w.cfg.Metrics.RecordDecision(ctx, string(verdict), string(status))
	w.cfg.Bus.Publish(bus.TopicTaskDecision, bus.TaskDecisionEvent{
		JobID:        jobID,
		Decision:     string(verdict),
		Reason:       reason,
		EditsApplied: applied,
	})
	w.cfg.Audit.Record(ctx, audit.Entry{
		JobID:    jobID,
		Action:   action,
		Decision: string(verdict),
		Reason:   reason,
		Edits:    applied,
	})
	w.logger(ctx).Info("task advanced", "status", status, "verdict", verdict, "reason", shared.Clip(reason, 200))
}
