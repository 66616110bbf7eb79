package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskvisor/internal/audit"
	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/config"
	"github.com/basket/taskvisor/internal/engine"
	"github.com/basket/taskvisor/internal/invoker"
	"github.com/basket/taskvisor/internal/jobstore"
	"github.com/basket/taskvisor/internal/llm"
	"github.com/basket/taskvisor/internal/oracle"
	otelPkg "github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/transcript"
)

// startupError carries the reason code fatalStartup reports.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

// startupCode splits a buildRuntime error into its reason code and cause.
func startupCode(err error) (string, error) {
	var se *startupError
	if errors.As(err, &se) {
		return se.code, se.err
	}
	return "E_RUNTIME", err
}

// runtime is everything the worker and the task API need.
type runtime struct {
	bus         *bus.Bus
	store       *persistence.Store
	audit       *audit.Log
	jobs        *jobstore.ResilientStore
	transcripts *transcript.Reader
	invoker     *invoker.Invoker
	oracle      *oracle.Client
	worker      *engine.Worker
	service     *engine.Service
	metrics     *otelPkg.Metrics
}

func (r *runtime) Close() {
	if r.audit != nil {
		_ = r.audit.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// buildRuntime opens the stores and wires the worker. On error everything
// opened so far is closed.
func buildRuntime(ctx context.Context, cfg config.Config, provider *otelPkg.Provider, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{bus: bus.New()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.store, err = persistence.Open(cfg.DBPath, rt.bus)
	if err != nil {
		return nil, fail("E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	rt.audit, err = audit.Open(cfg.HomeDir, rt.store.DB())
	if err != nil {
		return nil, fail("E_AUDIT_INIT", err)
	}

	rt.metrics, err = otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fail("E_OTEL_METRICS", err)
	}

	rt.jobs, err = jobstore.Open(jobstore.Options{
		Mode:           cfg.OpenClaw.JobStore,
		Binary:         cfg.OpenClaw.CLIPath,
		OpenClawDir:    cfg.OpenClaw.Dir,
		CallTimeout:    cfg.Worker.CallTimeout(),
		TriggerTimeout: cfg.Worker.TriggerTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fail("E_JOBSTORE_OPEN", err)
	}
	rt.transcripts = transcript.NewReader(cfg.OpenClaw.Dir)

	completer, err := llm.New(ctx, llm.Options{
		Provider:     cfg.Oracle.Provider,
		Model:        cfg.Oracle.Model,
		BaseURL:      cfg.Oracle.BaseURL,
		APIKey:       cfg.OracleAPIKey(),
		GatewayURL:   cfg.OpenClaw.GatewayURL,
		GatewayToken: cfg.OpenClaw.GatewayToken,
		Timeout:      cfg.Oracle.Timeout(),
		Logger:       logger.With("component", "llm"),
		KV:           rt.store,
	})
	if err != nil {
		return nil, fail("E_ORACLE_INIT", err)
	}
	rt.oracle, err = oracle.NewClient(oracle.Config{
		Completer:  completer,
		Model:      cfg.Oracle.Model,
		SessionKey: cfg.Oracle.SessionKey,
		Timeout:    cfg.Oracle.Timeout(),
		Logger:     logger.With("component", "oracle"),
	})
	if err != nil {
		return nil, fail("E_ORACLE_INIT", err)
	}

	icfg := invoker.Config{
		Mode:         invoker.Mode(cfg.Worker.ExecutionMode),
		Jobs:         rt.jobs,
		Transcripts:  rt.transcripts,
		PollAttempts: cfg.Worker.RunPollAttempts,
		PollInterval: cfg.Worker.RunPollInterval(),
		MaxChildren:  cfg.Worker.MaxChildSessions,
		Logger:       logger.With("component", "invoker"),
	}
	if icfg.Mode == invoker.ModeGateway {
		icfg.Completer = llm.NewGatewayCompleter(llm.GatewayConfig{
			BaseURL: cfg.OpenClaw.GatewayURL,
			Token:   cfg.OpenClaw.GatewayToken,
			Timeout: cfg.Worker.TriggerTimeout(),
		})
	}
	rt.invoker, err = invoker.New(icfg)
	if err != nil {
		return nil, fail("E_INVOKER_INIT", err)
	}

	rt.worker, err = engine.NewWorker(engine.WorkerConfig{
		Jobs:           rt.jobs,
		Store:          rt.store,
		Invoker:        rt.invoker,
		Triager:        rt.oracle,
		Bus:            rt.bus,
		Audit:          rt.audit,
		Metrics:        rt.metrics,
		Tracer:         provider.Tracer,
		Logger:         logger.With("component", "worker"),
		ReviewCooldown: cfg.Worker.ReviewCooldown(),
		RetryDelay:     cfg.Worker.RetryDelay(),
		PickedUpStale:  cfg.Worker.PickedUpStale(),
		ReviewAutoFail: cfg.Worker.ReviewAutoFail(),
		CallTimeout:    cfg.Worker.CallTimeout(),
		TriggerTimeout: cfg.Worker.TriggerTimeout(),
	})
	if err != nil {
		return nil, fail("E_WORKER_INIT", err)
	}

	rt.service, err = engine.NewService(engine.ServiceConfig{
		Jobs:        rt.jobs,
		Store:       rt.store,
		Ticker:      rt.worker,
		Transcripts: rt.transcripts,
		Bus:         rt.bus,
		Audit:       rt.audit,
		Logger:      logger.With("component", "tasks"),
		CallTimeout: cfg.Worker.CallTimeout(),
	})
	if err != nil {
		return nil, fail("E_SERVICE_INIT", err)
	}
	logger.Info("startup phase", "phase", "runtime_wired",
		"execution_mode", cfg.Worker.ExecutionMode,
		"job_store", cfg.OpenClaw.JobStore,
		"oracle", fmt.Sprintf("%s/%s", cfg.Oracle.Provider, cfg.Oracle.Model),
	)
	return rt, nil
}
