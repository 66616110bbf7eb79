package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/shared"
)

// MetaStore is the task metadata overlay. *persistence.Store implements it.
type MetaStore interface {
	GetTaskMeta(ctx context.Context, jobID string) (*persistence.TaskMeta, error)
	ListTaskMeta(ctx context.Context) (map[string]persistence.TaskMeta, error)
	ListTaskMetaByStatus(ctx context.Context, statuses ...persistence.TaskStatus) ([]persistence.TaskMeta, error)
	UpsertTaskMeta(ctx context.Context, jobID string, mutate func(m *persistence.TaskMeta)) (persistence.TaskMeta, error)
	// UpdateTaskMeta never creates a row; it returns
	// persistence.ErrTaskMetaNotFound for a deleted task.
	UpdateTaskMeta(ctx context.Context, jobID string, mutate func(m *persistence.TaskMeta)) (persistence.TaskMeta, error)
	DeleteTaskMeta(ctx context.Context, jobID string) error
	AppendTaskLog(ctx context.Context, jobID, line string) (persistence.TaskMeta, error)
	AppendTaskNarrative(ctx context.Context, jobID string, entry persistence.NarrativeEntry) (persistence.TaskMeta, error)
}

// Reconciler keeps the metadata overlay in step with the job store.
type Reconciler struct {
	store  MetaStore
	now    func() time.Time
	logger *slog.Logger
}

func NewReconciler(store MetaStore, now func() time.Time, logger *slog.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, now: now, logger: logger}
}

// DeriveStatus maps a job's last run onto a task status.
func DeriveStatus(job jobstore.Job) persistence.TaskStatus {
	switch last := job.LastStatus(); {
	case last == "ok":
		return persistence.StatusCompleted
	case last != "":
		return persistence.StatusReview
	case !job.Enabled:
		return persistence.StatusDisabled
	default:
		return persistence.StatusScheduled
	}
}

// SyncFromJobs imports orchestrated jobs that have no overlay yet and folds
// newly observed runs into existing ones. Tasks in picked_up belong to the
// worker and are left alone. Running it twice over the same jobs writes
// nothing the second time. A job that fails to sync is logged and skipped;
// the failures are joined into the returned error.
func (r *Reconciler) SyncFromJobs(ctx context.Context, jobs []jobstore.Job) (bool, error) {
	metas, err := r.store.ListTaskMeta(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: %w", err)
	}

	var (
		wrote bool
		errs  []error
	)
	for _, job := range jobs {
		if !job.Orchestrated() || job.ID == "" {
			continue
		}
		meta, ok := metas[job.ID]
		var err error
		switch {
		case !ok:
			err = r.importJob(ctx, job)
		case meta.Status == persistence.StatusPickedUp:
			continue
		case job.State.LastRunAtMs > meta.LastSeenRunAtMs:
			err = r.foldRun(ctx, job)
		default:
			continue
		}
		if err != nil {
			if errors.Is(err, persistence.ErrTaskMetaNotFound) {
				continue
			}
			r.logger.Error("reconcile job failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		wrote = true
	}
	return wrote, errors.Join(errs...)
}

func (r *Reconciler) importJob(ctx context.Context, job jobstore.Job) error {
	status := DeriveStatus(job)
	_, err := r.store.UpsertTaskMeta(ctx, job.ID, func(m *persistence.TaskMeta) {
		m.Status = status
		m.Priority = persistence.DefaultPriority
		m.Attempts = 0
		m.MaxAttempts = persistence.DefaultMaxAttempts
		m.AgentID = shared.FirstNonEmpty(job.AgentID, shared.DefaultAgentID)
		m.Name = job.Name
		m.Message = job.Message
		m.Source = "import"
		m.LastSeenRunAtMs = job.State.LastRunAtMs
		m.Error = job.State.LastError
		if job.CreatedAtMs > 0 {
			m.CreatedAt = msTime(job.CreatedAtMs)
		}
		m.AddNarrative(r.now(), persistence.NarrativeEntry{
			Role: "system",
			Text: fmt.Sprintf("Imported from job store (status=%s)", status),
		})
	})
	if err != nil {
		return fmt.Errorf("import job %s: %w", job.ID, err)
	}
	r.logger.Info("task imported", "job_id", job.ID, "status", status)
	return nil
}

func (r *Reconciler) foldRun(ctx context.Context, job jobstore.Job) error {
	status := DeriveStatus(job)
	lastStatus := shared.FirstNonEmpty(job.State.LastStatus, "unknown")
	text := "New run detected: " + lastStatus
	if job.State.LastError != "" {
		text += " — " + job.State.LastError
	}
	_, err := r.store.UpdateTaskMeta(ctx, job.ID, func(m *persistence.TaskMeta) {
		m.Status = status
		m.LastSeenRunAtMs = job.State.LastRunAtMs
		if status == persistence.StatusReview {
			m.Error = shared.FirstNonEmpty(job.State.LastError, m.Error)
		} else {
			m.Error = ""
		}
		m.AddNarrative(r.now(), persistence.NarrativeEntry{
			Role:    "system",
			AgentID: job.AgentID,
			Text:    text,
		})
	})
	if err != nil {
		return fmt.Errorf("fold run for %s: %w", job.ID, err)
	}
	r.logger.Info("new run detected", "job_id", job.ID, "status", status, "last_status", lastStatus)
	return nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
