package engine

import (
	"context"
	"testing"
	"time"

	"github.com/basket/taskvisor/internal/persistence"
)

func TestWatchdog_FailsStaleReview(t *testing.T) {
	h := newHarness(t, func(c *WorkerConfig) { c.ReviewAutoFail = time.Hour })
	h.seed("stale", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
		m.LastRun = &persistence.RunSnapshot{Ts: h.clock.Now().UnixMilli(), Error: "agent crashed"}
	})
	h.seed("fresh", func(m *persistence.TaskMeta) {
		m.Status = persistence.StatusReview
	})

	h.clock.Advance(61 * time.Minute)
	if _, err := h.store.UpsertTaskMeta(context.Background(), "fresh", func(m *persistence.TaskMeta) {
		m.LastDecision = &persistence.DecisionSnapshot{Ts: h.clock.Now().UnixMilli(), Decision: "review", Reason: "still thinking"}
	}); err != nil {
		t.Fatal(err)
	}

	failed, ok := h.worker.Watchdog(context.Background())
	if !ok || failed != 1 {
		t.Fatalf("failed=%d ok=%v", failed, ok)
	}
	m := h.meta("stale")
	if m.Status != persistence.StatusFailed || m.Error != "agent crashed" || m.CompletedAt == nil {
		t.Fatalf("stale = %+v", m)
	}
	if m.LastDecision == nil || m.LastDecision.Reason != "Auto-failed: stuck in review for > 60m" {
		t.Fatalf("decision = %+v", m.LastDecision)
	}
	if st := h.meta("fresh").Status; st != persistence.StatusReview {
		t.Fatalf("fresh status = %s", st)
	}
}

func TestWatchdog_DefaultErrorText(t *testing.T) {
	h := newHarness(t, func(c *WorkerConfig) { c.ReviewAutoFail = time.Minute })
	h.seed("j1", func(m *persistence.TaskMeta) { m.Status = persistence.StatusReview })
	h.clock.Advance(2 * time.Minute)

	if failed, _ := h.worker.Watchdog(context.Background()); failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
	if m := h.meta("j1"); m.Error != "Timed out in review" {
		t.Fatalf("error = %q", m.Error)
	}
}

func TestReviewReference(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := persistence.TaskMeta{
		UpdatedAt:       base,
		LastSeenRunAtMs: base.Add(time.Minute).UnixMilli(),
		LastDecision:    &persistence.DecisionSnapshot{Ts: base.Add(3 * time.Minute).UnixMilli()},
		LastRun:         &persistence.RunSnapshot{Ts: base.Add(2 * time.Minute).UnixMilli()},
	}
	if got := reviewReference(m); !got.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("reference = %s", got)
	}
	if !reviewReference(persistence.TaskMeta{}).IsZero() {
		t.Fatalf("empty meta should have no reference")
	}

	since := base.Add(time.Minute)
	waiting := persistence.TaskMeta{
		UpdatedAt:    base.Add(time.Hour),
		ReviewSince:  &since,
		LastDecision: &persistence.DecisionSnapshot{Ts: base.Add(time.Hour).UnixMilli(), Reason: waitingForRunRecord},
	}
	if got := reviewReference(waiting); !got.Equal(since) {
		t.Fatalf("record-wait reference = %s, want %s", got, since)
	}
}

func TestWatchdog_FailsTaskStuckWaitingForRunRecord(t *testing.T) {
	h := newHarness(t, func(c *WorkerConfig) { c.ReviewAutoFail = 10 * time.Minute })
	h.seed("j1", func(m *persistence.TaskMeta) { m.Status = persistence.StatusReview })

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		h.worker.Tick(ctx)
		h.clock.Advance(61 * time.Second)
	}
	if m := h.meta("j1"); m.Status != persistence.StatusReview || m.RecordWaits == 0 {
		t.Fatalf("before sweep: %+v", m)
	}

	if failed, ok := h.worker.Watchdog(ctx); !ok || failed != 1 {
		t.Fatalf("failed=%d ok=%v", failed, ok)
	}
	if m := h.meta("j1"); m.Status != persistence.StatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
}
