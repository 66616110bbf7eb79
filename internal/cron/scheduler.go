// Package cron drives the task worker on a schedule: the periodic tick,
// the review watchdog sweep and the one-off startup tick.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskvisor/internal/engine"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 15s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	DefaultSchedule         = "@every 15s"
	DefaultWatchdogInterval = time.Minute
	DefaultStartupDelay     = 2500 * time.Millisecond
)

// Ticker runs one worker pass. *engine.Worker implements it.
type Ticker interface {
	Tick(ctx context.Context) engine.TickResult
}

// Sweeper fails tasks stuck in review. *engine.Worker implements it.
type Sweeper interface {
	Watchdog(ctx context.Context) (failed int, ok bool)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Worker   Ticker
	Watchdog Sweeper
	Logger   *slog.Logger

	// Schedule is the tick spec; defaults to DefaultSchedule.
	Schedule         string
	WatchdogInterval time.Duration
	// StartupDelay delays the first tick after Start. Negative disables it.
	StartupDelay time.Duration
}

// Scheduler fires worker ticks and watchdog sweeps.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron

	mu       sync.Mutex
	ctx      context.Context
	tickID   cronlib.EntryID
	schedule string
	startup  *time.Timer
	running  bool
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Worker == nil {
		return nil, errors.New("cron: worker is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("cron: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cl := slogAdapter{cfg.Logger}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}, nil
}

// Start registers the tick and watchdog entries and starts the cron loop.
// Jobs run with ctx; cancel it or call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("cron: scheduler already started")
	}
	s.ctx = ctx

	id, err := s.cron.AddFunc(s.cfg.Schedule, s.tick)
	if err != nil {
		return fmt.Errorf("cron: add tick: %w", err)
	}
	s.tickID, s.schedule = id, s.cfg.Schedule

	if s.cfg.Watchdog != nil {
		s.cron.Schedule(cronlib.Every(s.cfg.WatchdogInterval), cronlib.FuncJob(s.sweep))
	}
	if s.cfg.StartupDelay > 0 {
		s.startup = time.AfterFunc(s.cfg.StartupDelay, s.tick)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("worker scheduler started",
		"schedule", s.cfg.Schedule,
		"watchdog_interval", s.cfg.WatchdogInterval,
		"startup_delay", s.cfg.StartupDelay,
	)
	return nil
}

// Stop halts the cron loop and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.startup != nil {
		s.startup.Stop()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("worker scheduler stopped")
}

// Reschedule swaps the tick spec, used when config.yaml changes. The
// watchdog entry is left as is.
func (s *Scheduler) Reschedule(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.schedule && s.tickID != 0 {
		return nil
	}
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("cron: add tick: %w", err)
	}
	if s.tickID != 0 {
		s.cron.Remove(s.tickID)
	}
	s.tickID, s.schedule = id, spec
	s.cfg.Schedule = spec
	s.logger.Info("worker schedule changed", "schedule", spec)
	return nil
}

// Schedule returns the active tick spec.
func (s *Scheduler) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Schedule
}

// NextTick returns when the next scheduled tick fires, or zero when the
// scheduler is not running.
func (s *Scheduler) NextTick() time.Time {
	s.mu.Lock()
	id := s.tickID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) tick() {
	ctx := s.runCtx()
	if ctx.Err() != nil {
		return
	}
	res := s.cfg.Worker.Tick(ctx)
	switch {
	case res.Skipped != "":
		s.logger.Debug("worker tick skipped", "reason", res.Skipped)
	case res.Err != "":
		s.logger.Warn("worker tick finished with error", "trace_id", res.TraceID, "job_id", res.JobID, "error", res.Err)
	case res.JobID != "":
		s.logger.Debug("worker tick", "trace_id", res.TraceID, "job_id", res.JobID, "action", res.Action, "status", res.Status)
	}
}

func (s *Scheduler) sweep() {
	ctx := s.runCtx()
	if ctx.Err() != nil {
		return
	}
	failed, ok := s.cfg.Watchdog.Watchdog(ctx)
	if !ok {
		s.logger.Debug("review watchdog skipped: tick in flight")
		return
	}
	if failed > 0 {
		s.logger.Info("review watchdog auto-failed tasks", "count", failed)
	}
}

// NextRunTime parses the expression and returns the next fire time after
// the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
