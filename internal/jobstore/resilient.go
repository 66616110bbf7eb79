package jobstore

import (
	"context"
	"log/slog"
	"time"
)

// ResilientConfig bounds every job store call.
type ResilientConfig struct {
	// CallTimeout applies to everything except TriggerRun. Default 20s.
	CallTimeout time.Duration
	// TriggerTimeout applies to TriggerRun. Default 120s.
	TriggerTimeout time.Duration
	// RetryDelay is the pause before the single retry. Default 750ms.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// ResilientStore wraps a Store so every call has its own deadline and a
// transient failure is retried exactly once.
type ResilientStore struct {
	inner Store
	cfg   ResilientConfig
	sleep func(context.Context, time.Duration) error
}

func NewResilientStore(inner Store, cfg ResilientConfig) *ResilientStore {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 120 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = addRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ResilientStore{inner: inner, cfg: cfg, sleep: sleepCtx}
}

func withRetry[T any](ctx context.Context, s *ResilientStore, op string, timeout time.Duration, f func(context.Context) (T, error)) (T, error) {
	call := func() (T, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f(cctx)
	}
	v, err := call()
	if err == nil || ctx.Err() != nil || !IsTransient(err) {
		return v, err
	}
	s.cfg.Logger.Warn("job store call failed; retrying once", "op", op, "error", err)
	if serr := s.sleep(ctx, s.cfg.RetryDelay); serr != nil {
		return v, err
	}
	return call()
}

func (s *ResilientStore) List(ctx context.Context, includeDisabled bool) ([]Job, error) {
	return withRetry(ctx, s, "list", s.cfg.CallTimeout, func(c context.Context) ([]Job, error) {
		return s.inner.List(c, includeDisabled)
	})
}

// Create is not retried here; the CLI store already retries gateway
// timeouts once, and a second layer could create duplicate jobs.
func (s *ResilientStore) Create(ctx context.Context, spec CreateSpec) (Job, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout+cliAddTimeout)
	defer cancel()
	return s.inner.Create(cctx, spec)
}

func (s *ResilientStore) Edit(ctx context.Context, id string, patch Patch) error {
	_, err := withRetry(ctx, s, "edit", s.cfg.CallTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Edit(c, id, patch)
	})
	return err
}

func (s *ResilientStore) Remove(ctx context.Context, id string) error {
	_, err := withRetry(ctx, s, "remove", s.cfg.CallTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Remove(c, id)
	})
	return err
}

func (s *ResilientStore) Runs(ctx context.Context, id string, limit int) ([]RunEntry, error) {
	return withRetry(ctx, s, "runs", s.cfg.CallTimeout, func(c context.Context) ([]RunEntry, error) {
		return s.inner.Runs(c, id, limit)
	})
}

// TriggerRun is never retried: a timed-out run may still be executing.
func (s *ResilientStore) TriggerRun(ctx context.Context, id string) (*RunEntry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.TriggerTimeout)
	defer cancel()
	return s.inner.TriggerRun(cctx, id)
}
