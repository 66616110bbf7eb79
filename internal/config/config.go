package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Execution modes for the worker.
const (
	ExecutionModeCron    = "cron"
	ExecutionModeGateway = "gateway"
)

// Job store backends.
const (
	JobStoreAuto = "auto"
	JobStoreCLI  = "cli"
	JobStoreDisk = "disk"
)

// OpenClawConfig locates the external agent runtime.
type OpenClawConfig struct {
	// Dir is the runtime's state directory (jobs.json, run logs, session transcripts).
	Dir string `yaml:"dir"`
	// CLIPath is the openclaw executable. Resolved through PATH when relative.
	CLIPath string `yaml:"cli_path"`
	// GatewayURL is the runtime's HTTP gateway (OpenAI-compatible chat endpoint).
	GatewayURL string `yaml:"gateway_url"`
	// GatewayToken authenticates against the gateway. Usually set through
	// OPENCLAW_GATEWAY_TOKEN rather than in the file.
	GatewayToken string `yaml:"gateway_token"`
	// JobStore selects the job store backend: auto, cli or disk.
	JobStore string `yaml:"job_store"`
}

// WorkerConfig tunes the task worker loop.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a robfig/cron spec ("@every 15s", "*/1 * * * *").
	Schedule      string `yaml:"schedule"`
	ExecutionMode string `yaml:"execution_mode"`

	StartupDelayMs          int `yaml:"startup_delay_ms"`
	ReviewCooldownSeconds   int `yaml:"review_cooldown_seconds"`
	RetryDelayMs            int `yaml:"retry_delay_ms"`
	PickedUpStaleSeconds    int `yaml:"picked_up_stale_seconds"`
	ReviewAutoFailMinutes   int `yaml:"review_auto_fail_minutes"`
	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds"`
	CallTimeoutSeconds      int `yaml:"call_timeout_seconds"`
	TriggerTimeoutSeconds   int `yaml:"trigger_timeout_seconds"`
	RunPollAttempts         int `yaml:"run_poll_attempts"`
	RunPollIntervalMs       int `yaml:"run_poll_interval_ms"`
	MaxChildSessions        int `yaml:"max_child_sessions"`
}

// OracleConfig selects the LLM that triages runs.
type OracleConfig struct {
	// Provider: openclaw (the runtime gateway), anthropic, openai,
	// openai_compatible, openrouter, google.
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	SessionKey     string `yaml:"session_key"`
}

// TelemetryConfig mirrors otel.Config in YAML form.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled"`
}

// GatewayConfig tunes the operator HTTP surface.
type GatewayConfig struct {
	// AllowedOrigins lists browser origins accepted for CORS and /ws/events.
	// "*" allows any origin.
	AllowedOrigins     []string `yaml:"allowed_origins"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	// AcceptTasks lets the listed chats create tasks with "task: ..." messages.
	AcceptTasks bool `yaml:"accept_tasks"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir  string `yaml:"-"`
	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`

	OpenClaw  OpenClawConfig  `yaml:"openclaw"`
	Worker    WorkerConfig    `yaml:"worker"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`

	// NeedsInit is set when config.yaml did not exist at load time.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change worker behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|sched=%s|mode=%s|store=%s|oracle=%s/%s|cooldown=%d|retry=%d",
		c.BindAddr, c.Worker.Schedule, c.Worker.ExecutionMode, c.OpenClaw.JobStore,
		c.Oracle.Provider, c.Oracle.Model, c.Worker.ReviewCooldownSeconds, c.Worker.RetryDelayMs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18790",
		OpenClaw: OpenClawConfig{
			CLIPath:    "openclaw",
			GatewayURL: "http://127.0.0.1:18789",
			JobStore:   JobStoreAuto,
		},
		Worker: WorkerConfig{
			Enabled:                 true,
			Schedule:                "@every 15s",
			ExecutionMode:           ExecutionModeCron,
			StartupDelayMs:          2500,
			ReviewCooldownSeconds:   60,
			RetryDelayMs:            500,
			PickedUpStaleSeconds:    300,
			ReviewAutoFailMinutes:   120,
			WatchdogIntervalSeconds: 60,
			CallTimeoutSeconds:      20,
			TriggerTimeoutSeconds:   120,
			RunPollAttempts:         8,
			RunPollIntervalMs:       300,
			MaxChildSessions:        5,
		},
		Oracle: OracleConfig{
			Provider:       "openclaw",
			Model:          "openclaw:main",
			TimeoutSeconds: 25,
			SessionKey:     "agent:main:supervisor",
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 120,
			RateLimitBurst:     20,
			MaxBodyBytes:       1 << 20,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "taskvisor",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves TASKVISOR_HOME or ~/.taskvisor.
func HomeDir() string {
	if override := os.Getenv("TASKVISOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskvisor")
}

// Load reads config.yaml from HomeDir over the defaults, then applies env
// overrides and normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskvisor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes the default config to config.yaml unless one exists.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	cfg := defaultConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create taskvisor home: %w", err)
	}
	return path, os.WriteFile(path, out, 0o644)
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskvisor.db")
	}

	if cfg.OpenClaw.Dir == "" {
		home, _ := os.UserHomeDir()
		cfg.OpenClaw.Dir = filepath.Join(home, ".openclaw")
	}
	if cfg.OpenClaw.CLIPath == "" {
		cfg.OpenClaw.CLIPath = d.OpenClaw.CLIPath
	}
	if cfg.OpenClaw.GatewayURL == "" {
		cfg.OpenClaw.GatewayURL = d.OpenClaw.GatewayURL
	}
	cfg.OpenClaw.GatewayURL = strings.TrimRight(cfg.OpenClaw.GatewayURL, "/")
	cfg.OpenClaw.JobStore = strings.ToLower(strings.TrimSpace(cfg.OpenClaw.JobStore))
	if cfg.OpenClaw.JobStore == "" {
		cfg.OpenClaw.JobStore = JobStoreAuto
	}

	w := &cfg.Worker
	if strings.TrimSpace(w.Schedule) == "" {
		w.Schedule = d.Worker.Schedule
	}
	w.ExecutionMode = strings.ToLower(strings.TrimSpace(w.ExecutionMode))
	if w.ExecutionMode == "" {
		w.ExecutionMode = ExecutionModeCron
	}
	positive(&w.StartupDelayMs, d.Worker.StartupDelayMs)
	positive(&w.ReviewCooldownSeconds, d.Worker.ReviewCooldownSeconds)
	positive(&w.RetryDelayMs, d.Worker.RetryDelayMs)
	positive(&w.PickedUpStaleSeconds, d.Worker.PickedUpStaleSeconds)
	positive(&w.ReviewAutoFailMinutes, d.Worker.ReviewAutoFailMinutes)
	positive(&w.WatchdogIntervalSeconds, d.Worker.WatchdogIntervalSeconds)
	positive(&w.CallTimeoutSeconds, d.Worker.CallTimeoutSeconds)
	positive(&w.TriggerTimeoutSeconds, d.Worker.TriggerTimeoutSeconds)
	positive(&w.RunPollAttempts, d.Worker.RunPollAttempts)
	positive(&w.RunPollIntervalMs, d.Worker.RunPollIntervalMs)
	positive(&w.MaxChildSessions, d.Worker.MaxChildSessions)

	o := &cfg.Oracle
	o.Provider = strings.ToLower(strings.TrimSpace(o.Provider))
	if o.Provider == "" {
		o.Provider = d.Oracle.Provider
	}
	if o.Provider == "gemini" {
		o.Provider = "google"
	}
	positive(&o.TimeoutSeconds, d.Oracle.TimeoutSeconds)
	if strings.TrimSpace(o.SessionKey) == "" {
		o.SessionKey = d.Oracle.SessionKey
	}

	g := &cfg.Gateway
	positive(&g.RateLimitPerMinute, d.Gateway.RateLimitPerMinute)
	positive(&g.RateLimitBurst, d.Gateway.RateLimitBurst)
	if g.MaxBodyBytes <= 0 {
		g.MaxBodyBytes = d.Gateway.MaxBodyBytes
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	switch cfg.Worker.ExecutionMode {
	case ExecutionModeCron, ExecutionModeGateway:
	default:
		return fmt.Errorf("worker.execution_mode %q: want %q or %q", cfg.Worker.ExecutionMode, ExecutionModeCron, ExecutionModeGateway)
	}
	switch cfg.OpenClaw.JobStore {
	case JobStoreAuto, JobStoreCLI, JobStoreDisk:
	default:
		return fmt.Errorf("openclaw.job_store %q: want auto, cli or disk", cfg.OpenClaw.JobStore)
	}
	if cfg.Notify.Telegram.Enabled && len(cfg.Notify.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("notify.telegram.enabled requires at least one chat id")
	}
	return nil
}

// OracleAPIKey returns the API key for the configured oracle provider,
// checking the provider's env var before the file value.
func (c Config) OracleAPIKey() string {
	envMap := map[string]string{
		"openclaw":          "OPENCLAW_GATEWAY_TOKEN",
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
		"openrouter":        "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[c.Oracle.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Oracle.APIKey != "" {
		return c.Oracle.APIKey
	}
	if c.Oracle.Provider == "openclaw" {
		return c.OpenClaw.GatewayToken
	}
	return ""
}

// Durations derived from the worker settings.

func (w WorkerConfig) ReviewCooldown() time.Duration {
	return time.Duration(w.ReviewCooldownSeconds) * time.Second
}

func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMs) * time.Millisecond
}

func (w WorkerConfig) PickedUpStale() time.Duration {
	return time.Duration(w.PickedUpStaleSeconds) * time.Second
}

func (w WorkerConfig) ReviewAutoFail() time.Duration {
	return time.Duration(w.ReviewAutoFailMinutes) * time.Minute
}

func (w WorkerConfig) WatchdogInterval() time.Duration {
	return time.Duration(w.WatchdogIntervalSeconds) * time.Second
}

func (w WorkerConfig) CallTimeout() time.Duration {
	return time.Duration(w.CallTimeoutSeconds) * time.Second
}

func (w WorkerConfig) TriggerTimeout() time.Duration {
	return time.Duration(w.TriggerTimeoutSeconds) * time.Second
}

func (w WorkerConfig) StartupDelay() time.Duration {
	return time.Duration(w.StartupDelayMs) * time.Millisecond
}

func (w WorkerConfig) RunPollInterval() time.Duration {
	return time.Duration(w.RunPollIntervalMs) * time.Millisecond
}

func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKVISOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKVISOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKVISOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKVISOR_EXECUTION_MODE"); raw != "" {
		cfg.Worker.ExecutionMode = raw
	}
	if raw := os.Getenv("TASKVISOR_WORKER_SCHEDULE"); raw != "" {
		cfg.Worker.Schedule = raw
	}
	if raw := os.Getenv("TASKVISOR_WORKER_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Worker.Enabled = v
		}
	}
	if raw := os.Getenv("TASKVISOR_REVIEW_COOLDOWN_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.ReviewCooldownSeconds = v
		}
	}
	if raw := os.Getenv("TASKVISOR_PICKED_UP_STALE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.PickedUpStaleSeconds = v
		}
	}
	if raw := os.Getenv("TASKVISOR_REVIEW_AUTO_FAIL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.ReviewAutoFailMinutes = v
		}
	}
	if raw := os.Getenv("OPENCLAW_DIR"); raw != "" {
		cfg.OpenClaw.Dir = raw
	}
	if raw := os.Getenv("OPENCLAW_BIN"); raw != "" {
		cfg.OpenClaw.CLIPath = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_URL"); raw != "" {
		cfg.OpenClaw.GatewayURL = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); raw != "" {
		cfg.OpenClaw.GatewayToken = raw
	}
	if raw := os.Getenv("TASKVISOR_ORACLE_PROVIDER"); raw != "" {
		cfg.Oracle.Provider = raw
	}
	if raw := os.Getenv("TASKVISOR_ORACLE_MODEL"); raw != "" {
		cfg.Oracle.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}
