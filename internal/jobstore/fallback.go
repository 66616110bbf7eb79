package jobstore

import (
	"context"
	"errors"
	"log/slog"
)

// FallbackStore chains the CLI and disk stores. Reads prefer disk (fast and
// available while the gateway is down); writes prefer the CLI so the runtime
// sees them immediately, falling back to editing jobs.json.
type FallbackStore struct {
	cli    Store
	disk   *DiskStore
	logger *slog.Logger
}

// NewFallbackStore accepts a nil cli or disk to pin a single backend.
func NewFallbackStore(cli Store, disk *DiskStore, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{cli: cli, disk: disk, logger: logger}
}

func (f *FallbackStore) List(ctx context.Context, includeDisabled bool) ([]Job, error) {
	if f.disk != nil && f.disk.Exists() {
		jobs, err := f.disk.List(ctx, includeDisabled)
		if err == nil {
			return jobs, nil
		}
		f.logger.Warn("job store: disk list failed", "error", err)
		if f.cli == nil {
			return nil, err
		}
	}
	if f.cli == nil {
		return nil, nil
	}
	return f.cli.List(ctx, includeDisabled)
}

func (f *FallbackStore) Create(ctx context.Context, spec CreateSpec) (Job, error) {
	if f.cli != nil {
		job, err := f.cli.Create(ctx, spec)
		if err == nil || f.disk == nil || ctx.Err() != nil {
			return job, err
		}
		f.logger.Warn("job store: cli create failed; writing jobs.json", "error", err)
	}
	if f.disk == nil {
		return Job{}, ErrUnsupported
	}
	return f.disk.Create(ctx, spec)
}

func (f *FallbackStore) Edit(ctx context.Context, id string, patch Patch) error {
	if f.cli != nil {
		err := f.cli.Edit(ctx, id, patch)
		if err == nil || f.disk == nil || ctx.Err() != nil {
			return err
		}
		f.logger.Warn("job store: cli edit failed; editing jobs.json", "job_id", id, "error", err)
	}
	if f.disk == nil {
		return ErrUnsupported
	}
	return f.disk.Edit(ctx, id, patch)
}

func (f *FallbackStore) Remove(ctx context.Context, id string) error {
	var cliErr error
	if f.cli != nil {
		cliErr = f.cli.Remove(ctx, id)
		if cliErr == nil || f.disk == nil || ctx.Err() != nil {
			return cliErr
		}
	}
	if f.disk == nil {
		return ErrUnsupported
	}
	err := f.disk.Remove(ctx, id)
	if errors.Is(err, ErrNotFound) && cliErr != nil && !errors.Is(cliErr, ErrNotFound) {
		return cliErr
	}
	return err
}

func (f *FallbackStore) Runs(ctx context.Context, id string, limit int) ([]RunEntry, error) {
	if f.disk != nil && id != "" {
		entries, err := f.disk.Runs(ctx, id, limit)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ErrNotFound) {
			f.logger.Debug("job store: disk runs failed", "job_id", id, "error", err)
		}
		if f.cli == nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}
	if f.cli == nil {
		return nil, ErrUnsupported
	}
	return f.cli.Runs(ctx, id, limit)
}

func (f *FallbackStore) TriggerRun(ctx context.Context, id string) (*RunEntry, error) {
	if f.cli == nil {
		return nil, ErrUnsupported
	}
	return f.cli.TriggerRun(ctx, id)
}
