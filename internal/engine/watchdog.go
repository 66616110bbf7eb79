package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskvisor/internal/audit"
	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/oracle"
	"github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
)

// reviewReference is the latest progress on a task in review: entering
// review, a new run, or a supervisor decision. Waiting for a run record is
// not progress, so repeated record waits never hold off the watchdog.
func reviewReference(m persistence.TaskMeta) time.Time {
	ref := m.LastSeenRunAtMs
	if m.ReviewSince != nil {
		ref = max(ref, m.ReviewSince.UnixMilli())
	} else if !m.UpdatedAt.IsZero() {
		ref = max(ref, m.UpdatedAt.UnixMilli())
	}
	if m.LastDecision != nil && m.LastDecision.Reason != waitingForRunRecord {
		ref = max(ref, m.LastDecision.Ts)
	}
	if m.LastRun != nil {
		ref = max(ref, m.LastRun.Ts)
	}
	if ref <= 0 {
		return time.Time{}
	}
	return msTime(ref)
}

// Watchdog fails tasks that sat in review longer than the auto-fail
// window. It shares the tick guard, so a sweep that overlaps a tick is
// skipped and reports ok=false.
func (w *Worker) Watchdog(ctx context.Context) (failed int, ok bool) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return 0, false
	}
	defer w.inFlight.Store(false)

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, w.cfg.Tracer, "worker.watchdog")
	defer span.End()
	log := w.logger(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("review watchdog panicked", "panic", r)
		}
	}()

	metas, err := w.cfg.Store.ListTaskMetaByStatus(ctx, persistence.StatusReview)
	if err != nil {
		log.Error("review watchdog: list task meta failed", "error", err)
		return 0, true
	}

	window := w.cfg.ReviewAutoFail
	if window < minStaleAge {
		window = minStaleAge
	}
	minutes := int(window.Round(time.Minute) / time.Minute)
	reason := fmt.Sprintf("Auto-failed: stuck in review for > %dm", minutes)

	now := w.cfg.Now()
	for _, m := range metas {
		id := m.JobID
		ref := reviewReference(m)
		if ref.IsZero() || now.Sub(ref) < window {
			continue
		}
		lastRunErr := ""
		if m.LastRun != nil {
			lastRunErr = m.LastRun.Error
		}
		_, err := w.cfg.Store.UpdateTaskMeta(ctx, id, func(t *persistence.TaskMeta) {
			t.Status = persistence.StatusFailed
			t.CompletedAt = &now
			t.Error = shared.Clip(shared.FirstNonEmpty(t.Error, lastRunErr, "Timed out in review"), maxStoredError)
			t.LastDecision = &persistence.DecisionSnapshot{
				Ts:       now.UnixMilli(),
				Decision: string(oracle.VerdictFailed),
				Reason:   reason,
			}
			t.AddLog(now, reason)
			t.AddNarrative(now, persistence.NarrativeEntry{Role: "system", Text: "Auto-failed: stuck in review too long"})
		})
		if err != nil {
			log.Error("review watchdog: fail task failed", "job_id", id, "error", err)
			continue
		}
		failed++
		w.cfg.Metrics.RecordAutoFail(ctx, "review_timeout")
		w.cfg.Bus.Publish(bus.TopicTaskDecision, bus.TaskDecisionEvent{JobID: id, Decision: string(oracle.VerdictFailed), Reason: reason})
		w.cfg.Audit.Record(ctx, audit.Entry{JobID: id, Action: audit.ActionWatchdog, Decision: string(oracle.VerdictFailed), Reason: reason})
		log.Warn("task auto-failed in review", "job_id", id, "since", ref)
	}
	return failed, true
}
