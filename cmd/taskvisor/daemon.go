package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/taskvisor/internal/bus"
	"github.com/basket/taskvisor/internal/config"
	"github.com/basket/taskvisor/internal/cron"
	"github.com/basket/taskvisor/internal/gateway"
	"github.com/basket/taskvisor/internal/notify"
	otelPkg "github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/telemetry"
)

const (
	auditRetention  = 90 * 24 * time.Hour
	retentionPeriod = time.Hour
	shutdownTimeout = 5 * time.Second
)

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, nil, "E_CONFIG_WRITE", err)
		}
	}

	logger, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel})
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)
	if cfg.NeedsInit {
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	warnOpenBind(logger.Logger, cfg)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger.Logger, nil, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()

	rt, err := buildRuntime(ctx, cfg, provider, logger.Logger)
	if err != nil {
		code, cause := startupCode(err)
		fatalStartup(logger.Logger, nil, code, cause)
	}
	defer rt.Close()

	go purgeAuditLoop(ctx, rt, logger.Logger)

	rt.worker.Start(ctx)
	defer rt.worker.Stop()

	var sched *cron.Scheduler
	if cfg.Worker.Enabled {
		sched, err = cron.NewScheduler(cron.Config{
			Worker:           rt.worker,
			Watchdog:         rt.worker,
			Logger:           logger.With("component", "cron"),
			Schedule:         cfg.Worker.Schedule,
			WatchdogInterval: cfg.Worker.WatchdogInterval(),
			StartupDelay:     cfg.Worker.StartupDelay(),
		})
		if err != nil {
			fatalStartup(logger.Logger, rt.audit, "E_SCHEDULER_INIT", err)
		}
		if err := sched.Start(ctx); err != nil {
			fatalStartup(logger.Logger, rt.audit, "E_SCHEDULER_START", err)
		}
		defer sched.Stop()
		logger.Info("startup phase", "phase", "scheduler_started", "schedule", cfg.Worker.Schedule)
	} else {
		logger.Warn("worker disabled; tasks only advance through tick or run requests")
	}

	var active atomic.Pointer[config.Config]
	active.Store(&cfg)

	limiter := gateway.NewRateLimiter(cfg.Gateway.RateLimitPerMinute, cfg.Gateway.RateLimitBurst)
	limiter.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
	gw := gateway.New(gateway.Config{
		Tasks:        rt.service,
		Worker:       rt.worker,
		Counts:       rt.store,
		Bus:          rt.bus,
		Logger:       logger.With("component", "gateway"),
		Tracer:       provider.Tracer,
		Fingerprint:  func() string { return active.Load().Fingerprint() },
		Version:      Version,
		AllowOrigins: cfg.Gateway.AllowedOrigins,
		RateLimiter:  limiter,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
	})

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger.Logger, rt.audit, "E_GATEWAY_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	startNotifiers(ctx, cfg, rt, logger.Logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger.Logger, rt.audit, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload rejected; keeping previous config", "error", err)
				continue
			}
			applyReload(logger, rt, sched, active.Load(), &next)
			active.Store(&next)
			rt.bus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": next.Fingerprint()})
		}
	}()

	logger.Info("startup phase", "phase", "ready", "fingerprint", cfg.Fingerprint())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// applyReload pushes the settings that can change without a restart.
// Everything else is logged as needing one.
func applyReload(logger *telemetry.Logger, rt *runtime, sched *cron.Scheduler, prev, next *config.Config) {
	logger.SetLevel(next.LogLevel)
	rt.worker.SetTimings(next.Worker.ReviewCooldown(), next.Worker.RetryDelay())

	if sched != nil && next.Worker.Schedule != prev.Worker.Schedule {
		if err := sched.Reschedule(next.Worker.Schedule); err != nil {
			logger.Error("worker schedule rejected; keeping previous", "schedule", next.Worker.Schedule, "error", err)
			next.Worker.Schedule = prev.Worker.Schedule
		}
	}

	var restart []string
	if next.BindAddr != prev.BindAddr {
		restart = append(restart, "bind_addr")
	}
	if next.DBPath != prev.DBPath {
		restart = append(restart, "db_path")
	}
	if next.Worker.ExecutionMode != prev.Worker.ExecutionMode {
		restart = append(restart, "worker.execution_mode")
	}
	if next.Oracle != prev.Oracle {
		restart = append(restart, "oracle")
	}
	if next.Worker.Enabled != prev.Worker.Enabled {
		restart = append(restart, "worker.enabled")
	}
	if len(restart) > 0 {
		logger.Warn("config changes need a restart to apply", "fields", strings.Join(restart, ","))
	}
	logger.Info("config.yaml hot-reloaded", "fingerprint", next.Fingerprint())
}

func startNotifiers(ctx context.Context, cfg config.Config, rt *runtime, logger *slog.Logger) {
	tg := cfg.Notify.Telegram
	if !tg.Enabled {
		return
	}
	if strings.TrimSpace(tg.Token) == "" {
		logger.Warn("telegram notify enabled but token is missing")
		return
	}
	bot, err := notify.NewTelegramBot(tg.Token)
	if err != nil {
		logger.Error("telegram notify disabled", "error", err)
		return
	}
	tcfg := notify.TelegramConfig{
		Bot:     bot,
		ChatIDs: tg.ChatIDs,
		Bus:     rt.bus,
		Logger:  logger.With("component", "telegram"),
	}
	if tg.AcceptTasks {
		tcfg.Tasks = rt.service
	}
	var n notify.Notifier
	n, err = notify.NewTelegram(tcfg)
	if err != nil {
		logger.Error("telegram notify disabled", "error", err)
		return
	}
	if err := n.Start(ctx); err != nil {
		logger.Error("notifier failed to start", "notifier", n.Name(), "error", err)
		return
	}
	logger.Info("notifier started", "notifier", n.Name(), "accept_tasks", tg.AcceptTasks)
}

func purgeAuditLoop(ctx context.Context, rt *runtime, logger *slog.Logger) {
	purge := func() {
		n, err := rt.store.PurgeAudit(ctx, auditRetention)
		if err != nil {
			logger.Error("audit retention failed", "error", err)
			return
		}
		if n > 0 {
			logger.Info("audit retention completed", "purged", n)
		}
	}
	purge()
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	logger.Warn("gateway bound to a non-loopback address without authentication", "bind_addr", cfg.BindAddr)
	if len(cfg.Gateway.AllowedOrigins) == 0 {
		logger.Warn("allowed_origins is empty; cross-origin browser requests will be rejected")
	}
}
