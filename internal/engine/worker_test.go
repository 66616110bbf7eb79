package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskvisor/internal/invoker"
	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/jobstore/jobstoretest"
	"github.com/basket/taskvisor/internal/llm"
	"github.com/basket/taskvisor/internal/oracle"
	"github.com/basket/taskvisor/internal/persistence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTriager struct {
	mu       sync.Mutex
	decision oracle.Decision
	err      error
	calls    int
	inputs   []oracle.TriageInput
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeTriager) Triage(ctx context.Context, in oracle.TriageInput) (oracle.Decision, error) {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, in)
	d, err := f.decision, f.err
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return d, err
}

func (f *fakeTriager) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	jobs    *jobstoretest.Store
	store   *persistence.Store
	triager *fakeTriager
	worker  *Worker

	mu        sync.Mutex
	scheduled []time.Duration
	fire      []func()
}

func newHarness(t *testing.T, mutate ...func(*WorkerConfig)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		jobs:    jobstoretest.New(),
		triager: &fakeTriager{decision: oracle.Decision{Verdict: oracle.VerdictReview, Reason: "needs a look"}},
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskvisor.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.SetClock(h.clock.Now)
	h.store = store

	inv, err := invoker.New(invoker.Config{
		Mode:         invoker.ModeCron,
		Jobs:         h.jobs,
		PollAttempts: 2,
		PollInterval: time.Millisecond,
		Now:          h.clock.Now,
	})
	if err != nil {
		t.Fatalf("new invoker: %v", err)
	}

	cfg := WorkerConfig{
		Jobs:    h.jobs,
		Store:   store,
		Invoker: inv,
		Triager: h.triager,
		Now:     h.clock.Now,
		AfterFunc: func(d time.Duration, f func()) Timer {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.scheduled = append(h.scheduled, d)
			h.fire = append(h.fire, f)
			return &fakeTimer{}
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	w, err := NewWorker(cfg)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	h.worker = w
	return h
}

// seed adds an orchestrated job and its overlay.
func (h *harness) seed(id string, mutate func(m *persistence.TaskMeta)) {
	h.t.Helper()
	h.jobs.AddJob(jobstore.Job{ID: id, Name: id, AgentID: "main", Message: "do " + id})
	if _, err := h.store.UpsertTaskMeta(context.Background(), id, func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusAssigned
		m.AgentID = "main"
		m.Name = id
		if mutate != nil {
			mutate(m)
		}
	}); err != nil {
		h.t.Fatalf("seed %s: %v", id, err)
	}
}

// runsWith makes every trigger produce a run record with the given status.
func (h *harness) runsWith(status, errText string) {
	h.jobs.Inline = true
	h.jobs.OnTrigger = func(string) (*jobstore.RunEntry, error) {
		return &jobstore.RunEntry{
			Ts:        h.clock.Now().UnixMilli(),
			Status:    status,
			Summary:   "run summary",
			Error:     errText,
			SessionID: "sess-1",
		}, nil
	}
}

func (h *harness) meta(id string) persistence.TaskMeta {
	h.t.Helper()
	m, err := h.store.GetTaskMeta(context.Background(), id)
	if err != nil || m == nil {
		h.t.Fatalf("get meta %s: %v (nil=%v)", id, err, m == nil)
	}
	return *m
}

func (h *harness) scheduledDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.scheduled...)
}

func hasLine(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func TestTick_PicksHighestPriority(t *testing.T) {
	h := newHarness(t)
	h.runsWith("ok", "")
	h.seed("j2", func(m *persistence.TaskMeta) { m.Priority = 2 })
	h.seed("j1", func(m *persistence.TaskMeta) { m.Priority = 5 })

	res := h.worker.Tick(context.Background())
	if res.JobID != "j1" || res.Action != ActionRun {
		t.Fatalf("tick = %+v, want run of j1", res)
	}
	if got := h.jobs.Triggered; len(got) != 1 || got[0] != "j1" {
		t.Fatalf("triggered = %v", got)
	}
	if st := h.meta("j2").Status; st != persistence.StatusAssigned {
		t.Fatalf("j2 status = %s, want untouched", st)
	}
	if res.FollowUp != DefaultFollowUpDelay {
		t.Fatalf("follow-up = %s, want %s", res.FollowUp, DefaultFollowUpDelay)
	}
	if d := h.scheduledDelays(); len(d) != 1 || d[0] != DefaultFollowUpDelay {
		t.Fatalf("scheduled = %v", d)
	}
}

func TestTick_RuntimeOkCompletesWithoutTriage(t *testing.T) {
	h := newHarness(t)
	h.runsWith("ok", "")
	h.seed("j1", nil)

	res := h.worker.Tick(context.Background())
	if res.Status != persistence.StatusCompleted || res.Verdict != string(oracle.VerdictCompleted) {
		t.Fatalf("tick = %+v", res)
	}
	if h.triager.Calls() != 0 {
		t.Fatalf("triager called %d times", h.triager.Calls())
	}
	m := h.meta("j1")
	if m.Result != "run summary" || m.Attempts != 0 || m.CompletedAt == nil {
		t.Fatalf("meta = %+v", m)
	}
	if m.LastDecision == nil || m.LastDecision.Reason != "Run status ok" {
		t.Fatalf("last decision = %+v", m.LastDecision)
	}
	if !hasLine(m.Log, "Worker marked completed (run ok)") {
		t.Fatalf("log = %v", m.Log)
	}
}

func TestTick_RetryBelowLimitRequeues(t *testing.T) {
	h := newHarness(t)
	h.runsWith("error", "boom")
	h.triager.decision = oracle.Decision{Verdict: oracle.VerdictRetry, Reason: "transient"}
	h.seed("j1", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusRunRequested
		m.Attempts = 2
		m.MaxAttempts = 3
	})

	res := h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusRunRequested || m.Attempts != 3 {
		t.Fatalf("status=%s attempts=%d, want run_requested/3", m.Status, m.Attempts)
	}
	if m.Error != "transient" {
		t.Fatalf("error = %q", m.Error)
	}
	if m.LastDecision == nil || m.LastDecision.Decision != string(oracle.VerdictRetry) {
		t.Fatalf("last decision = %+v", m.LastDecision)
	}
	if res.FollowUp != DefaultRetryDelay {
		t.Fatalf("follow-up = %s, want %s", res.FollowUp, DefaultRetryDelay)
	}
	if len(h.jobs.EditCalls()) != 0 {
		t.Fatalf("unexpected edits: %+v", h.jobs.EditCalls())
	}
	in := h.triager.inputs[0]
	if in.Run == nil || in.Run.Error != "boom" || in.Meta.Attempts != 3 {
		t.Fatalf("triage input = %+v", in)
	}
}

func TestTick_RetryAtLimitFailsAndDisables(t *testing.T) {
	h := newHarness(t)
	h.runsWith("error", "boom")
	h.triager.decision = oracle.Decision{Verdict: oracle.VerdictRetry, Reason: "transient"}
	h.seed("j1", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusRunRequested
		m.Attempts = 3
		m.MaxAttempts = 3
	})

	res := h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusFailed || res.Verdict != string(oracle.VerdictFailed) {
		t.Fatalf("status=%s verdict=%s", m.Status, res.Verdict)
	}
	if m.LastDecision == nil || !strings.HasPrefix(m.LastDecision.Reason, "Max attempts reached.") {
		t.Fatalf("last decision = %+v", m.LastDecision)
	}
	edits := h.jobs.EditCalls()
	if len(edits) != 1 || edits[0].Patch.Enabled == nil || *edits[0].Patch.Enabled {
		t.Fatalf("edits = %+v, want one disable", edits)
	}
	if !hasLine(m.Log, "Auto-disabled job after failure: disabled") {
		t.Fatalf("log = %v", m.Log)
	}
	if res.FollowUp != 0 {
		t.Fatalf("follow-up = %s, want none", res.FollowUp)
	}
}

func TestTick_CompletedWithNoDeliverEdit(t *testing.T) {
	h := newHarness(t)
	h.runsWith("error", "delivery failed")
	h.triager.decision = oracle.Decision{
		Verdict:   oracle.VerdictCompleted,
		Reason:    "work done, delivery noise",
		Narration: []string{"Looks good."},
		Edits:     oracle.Edits{NoDeliver: true},
	}
	h.seed("j1", nil)

	h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusCompleted {
		t.Fatalf("status = %s", m.Status)
	}
	edits := h.jobs.EditCalls()
	if len(edits) != 1 || !edits[0].Patch.NoDeliver {
		t.Fatalf("edits = %+v", edits)
	}
	if got := m.LastDecision.EditsApplied; len(got) != 1 || got[0] != "noDeliver" {
		t.Fatalf("edits applied = %v", got)
	}
	if !hasLine(m.Log, "Applied edits: noDeliver") {
		t.Fatalf("log = %v", m.Log)
	}
	var narrated bool
	for _, n := range m.Narrative {
		if n.Role == "assistant" && n.Text == "Looks good." {
			narrated = true
		}
	}
	if !narrated {
		t.Fatalf("narrative = %+v", m.Narrative)
	}
}

func TestTick_OracleTimeoutParksInReview(t *testing.T) {
	h := newHarness(t)
	client, err := oracle.NewClient(oracle.Config{
		Timeout: 20 * time.Millisecond,
		Completer: llm.CompleterFunc(func(ctx context.Context, _ llm.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h.worker.cfg.Triager = client
	h.runsWith("error", "boom")
	h.seed("j1", nil)

	res := h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusReview {
		t.Fatalf("status = %s", m.Status)
	}
	if !strings.Contains(m.Error, "timeout") || !strings.Contains(res.Err, "timeout") {
		t.Fatalf("error = %q, res.Err = %q", m.Error, res.Err)
	}
	if m.LastDecision == nil || m.LastDecision.Decision != string(oracle.VerdictReview) {
		t.Fatalf("last decision = %+v", m.LastDecision)
	}
}

func TestTick_TriggerErrorParksInReview(t *testing.T) {
	h := newHarness(t)
	h.jobs.OnTrigger = func(string) (*jobstore.RunEntry, error) {
		return nil, errors.New("cli exited 1")
	}
	h.seed("j1", nil)

	res := h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusReview || !strings.Contains(m.Error, "cli exited 1") {
		t.Fatalf("meta = %+v", m)
	}
	if m.Attempts != 1 {
		t.Fatalf("attempts = %d", m.Attempts)
	}
	if res.Err == "" || h.triager.Calls() != 0 {
		t.Fatalf("res = %+v calls=%d", res, h.triager.Calls())
	}
}

func TestTick_WaitsForRunRecord(t *testing.T) {
	h := newHarness(t)
	h.seed("j1", nil)

	res := h.worker.Tick(context.Background())
	m := h.meta("j1")
	if m.Status != persistence.StatusReview || m.Error != "Waiting for run record" {
		t.Fatalf("meta = %+v", m)
	}
	if res.FollowUp != DefaultRecordWaitDelay {
		t.Fatalf("follow-up = %s", res.FollowUp)
	}
	if m.RecordWaits != 1 || m.LastDecision == nil || m.LastDecision.Reason != "Waiting for run record" {
		t.Fatalf("wait state = waits %d, decision %+v", m.RecordWaits, m.LastDecision)
	}
}

func TestTick_RecordWaitDoesNotStarveReviewQueue(t *testing.T) {
	h := newHarness(t)
	h.seed("j1", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.Priority = 5
	})
	h.seed("j2", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.Priority = 3
	})
	h.jobs.AddRun("j2", jobstore.RunEntry{Ts: h.clock.Now().UnixMilli(), Status: "error", Error: "boom"})

	ctx := context.Background()
	for i := 0; i < 10 && h.triager.Calls() == 0; i++ {
		h.worker.Tick(ctx)
		h.clock.Advance(4 * time.Second)
	}
	if h.triager.Calls() != 1 {
		t.Fatalf("triager calls = %d, want j2 triaged once", h.triager.Calls())
	}
	if id := h.triager.inputs[0].Job.ID; id != "j2" {
		t.Fatalf("triaged %s, want j2", id)
	}
	m := h.meta("j1")
	if m.RecordWaits != maxRecordWaits+1 || m.LastDecision == nil {
		t.Fatalf("j1 = waits %d, decision %+v", m.RecordWaits, m.LastDecision)
	}
}

func TestTick_DeleteDuringTickDoesNotRecreateTask(t *testing.T) {
	h := newHarness(t)
	h.runsWith("error", "boom")
	h.triager.entered = make(chan struct{}, 1)
	h.triager.release = make(chan struct{})
	h.seed("j1", nil)

	done := make(chan TickResult, 1)
	go func() { done <- h.worker.Tick(context.Background()) }()
	<-h.triager.entered

	ctx := context.Background()
	if err := h.jobs.Remove(ctx, "j1"); err != nil {
		t.Fatalf("remove job: %v", err)
	}
	if err := h.store.DeleteTaskMeta(ctx, "j1"); err != nil {
		t.Fatalf("delete meta: %v", err)
	}
	close(h.triager.release)
	<-done

	if m, err := h.store.GetTaskMeta(ctx, "j1"); err != nil || m != nil {
		t.Fatalf("meta after delete = %+v, %v", m, err)
	}
}

func TestTick_ReviewQueueRespectsCooldown(t *testing.T) {
	h := newHarness(t)
	h.seed("j1", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.LastDecision = &persistence.DecisionSnapshot{Ts: h.clock.Now().UnixMilli(), Decision: "review"}
	})
	h.jobs.AddRun("j1", jobstore.RunEntry{Ts: h.clock.Now().Add(-time.Minute).UnixMilli(), Status: "error", Error: "boom"})
	if _, err := h.store.UpsertTaskMeta(context.Background(), "j1", func(m *persistence.TaskMeta) {
		m.LastSeenRunAtMs = h.clock.Now().UnixMilli()
	}); err != nil {
		t.Fatal(err)
	}

	if res := h.worker.Tick(context.Background()); res.Action != ActionIdle {
		t.Fatalf("tick in cooldown = %+v, want idle", res)
	}

	h.clock.Advance(DefaultReviewCooldown + time.Second)
	res := h.worker.Tick(context.Background())
	if res.Action != ActionTriage || h.triager.Calls() != 1 {
		t.Fatalf("tick after cooldown = %+v calls=%d", res, h.triager.Calls())
	}
	if h.jobs.TriggerCount() != 0 {
		t.Fatalf("review triage must not trigger a run")
	}
}

func TestTick_SkipsWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.runsWith("error", "boom")
	h.triager.entered = make(chan struct{}, 1)
	h.triager.release = make(chan struct{})
	h.seed("j1", nil)

	done := make(chan TickResult, 1)
	go func() { done <- h.worker.Tick(context.Background()) }()
	<-h.triager.entered

	if res := h.worker.Tick(context.Background()); res.Skipped != SkipInFlight {
		t.Fatalf("concurrent tick = %+v, want skipped", res)
	}
	if _, ok := h.worker.Watchdog(context.Background()); ok {
		t.Fatalf("watchdog ran during a tick")
	}
	close(h.triager.release)
	if res := <-done; res.JobID != "j1" {
		t.Fatalf("first tick = %+v", res)
	}
	if h.jobs.TriggerCount() != 1 {
		t.Fatalf("trigger count = %d", h.jobs.TriggerCount())
	}
}

func TestTick_SkipsDuringForeground(t *testing.T) {
	h := newHarness(t)
	h.seed("j1", nil)
	release := h.worker.BeginForeground()
	if res := h.worker.Tick(context.Background()); res.Skipped != SkipForeground {
		t.Fatalf("tick = %+v, want foreground skip", res)
	}
	release()
	release()
	if res := h.worker.Tick(context.Background()); res.Skipped != "" {
		t.Fatalf("tick after release = %+v", res)
	}
	if h.worker.Heartbeat().IsZero() || h.worker.LastTick() == nil {
		t.Fatalf("heartbeat not recorded")
	}
}

func TestTick_RecoversStuckPickedUp(t *testing.T) {
	h := newHarness(t, func(c *WorkerConfig) { c.PickedUpStale = time.Minute })
	stale := h.clock.Now().Add(-2 * time.Minute)
	h.seed("j1", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusPickedUp
		m.PickedUpAt = &stale
		m.Attempts = 1
	})
	h.seed("j2", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusPickedUp
		m.PickedUpAt = &stale
		m.Attempts = 3
		m.MaxAttempts = 3
	})
	h.jobs.Inline = true
	h.jobs.OnTrigger = func(string) (*jobstore.RunEntry, error) {
		return &jobstore.RunEntry{Ts: h.clock.Now().UnixMilli(), Status: "ok"}, nil
	}

	res := h.worker.Tick(context.Background())
	if res.Recovered != 2 {
		t.Fatalf("recovered = %d", res.Recovered)
	}
	if m := h.meta("j2"); m.Status != persistence.StatusFailed || !hasLine(m.Log, "Auto-failed: stuck in picked_up (max attempts)") {
		t.Fatalf("j2 = %+v", m)
	}
	// j1 was requeued and then run in the same tick.
	if res.JobID != "j1" || h.meta("j1").Status != persistence.StatusCompleted {
		t.Fatalf("tick = %+v", res)
	}
	if !hasLine(h.meta("j1").Log, "Auto-requeued: recovered from stuck picked_up") {
		t.Fatalf("j1 log = %v", h.meta("j1").Log)
	}
}

func TestTick_IgnoresTasksWithoutJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.UpsertTaskMeta(context.Background(), "orphan", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusRunRequested
	}); err != nil {
		t.Fatal(err)
	}
	if res := h.worker.Tick(context.Background()); res.Action != ActionIdle {
		t.Fatalf("tick = %+v", res)
	}
}

func TestTick_ListErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.jobs.ListErr = errors.New("store offline")
	res := h.worker.Tick(context.Background())
	if !strings.Contains(res.Err, "store offline") {
		t.Fatalf("tick = %+v", res)
	}
}

func TestScheduleTick_SingleSlot(t *testing.T) {
	h := newHarness(t)
	h.worker.ScheduleTick(time.Second)
	h.worker.ScheduleTick(10 * time.Millisecond)
	if d := h.scheduledDelays(); len(d) != 1 || d[0] != time.Second {
		t.Fatalf("scheduled = %v", d)
	}
	if !h.worker.FollowUpPending() {
		t.Fatalf("expected pending follow-up")
	}
	h.worker.Stop()
	if h.worker.FollowUpPending() {
		t.Fatalf("stop left a pending follow-up")
	}
	h.worker.ScheduleTick(time.Second)
	if len(h.scheduledDelays()) != 1 {
		t.Fatalf("scheduled after stop")
	}
}

func TestPlanTransition(t *testing.T) {
	cases := []struct {
		name     string
		verdict  oracle.Verdict
		attempts int
		status   persistence.TaskStatus
		disable  bool
	}{
		{"completed", oracle.VerdictCompleted, 1, persistence.StatusCompleted, false},
		{"retry under limit", oracle.VerdictRetry, 2, persistence.StatusRunRequested, false},
		{"retry at limit", oracle.VerdictRetry, 3, persistence.StatusFailed, true},
		{"failed", oracle.VerdictFailed, 1, persistence.StatusFailed, true},
		{"review", oracle.VerdictReview, 1, persistence.StatusReview, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := planTransition(oracle.Decision{Verdict: tc.verdict, Reason: "r"}, tc.attempts, 3, time.Second)
			if tr.status != tc.status || tr.disable != tc.disable {
				t.Fatalf("transition = %+v", tr)
			}
		})
	}
}

func TestSetTimings_ClampsCooldown(t *testing.T) {
	h := newHarness(t)
	h.worker.SetTimings(time.Second, 2*time.Second)
	if h.worker.ReviewCooldown() != minReviewCooldown {
		t.Fatalf("cooldown = %s", h.worker.ReviewCooldown())
	}
	if h.worker.RetryDelay() != 2*time.Second {
		t.Fatalf("retry delay = %s", h.worker.RetryDelay())
	}
}
