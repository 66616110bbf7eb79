// Package doctor runs the environment diagnostics behind `taskvisor doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/config"
	"github.com/basket/taskvisor/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []check{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkOpenClawCLI,
		checkOpenClawDir,
		checkOracleKey,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, using defaults",
			Detail: "Run `taskvisor init` to write " + config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("%s (%d tasks)", cfg.DBPath, total)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkOpenClawCLI(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "OpenClaw CLI", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.OpenClaw.CLIPath)
	if err != nil {
		status := StatusFail
		if cfg.OpenClaw.JobStore == config.JobStoreDisk {
			status = StatusWarn
		}
		return CheckResult{Name: "OpenClaw CLI", Status: status,
			Message: fmt.Sprintf("%q not found", cfg.OpenClaw.CLIPath),
			Detail:  "Set openclaw.cli_path or add the openclaw binary to PATH"}
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(vctx, path, "--version").CombinedOutput()
	if err != nil {
		return CheckResult{Name: "OpenClaw CLI", Status: StatusWarn, Message: fmt.Sprintf("Found %s, --version failed: %v", path, err)}
	}
	return CheckResult{Name: "OpenClaw CLI", Status: StatusPass, Message: "Found " + path,
		Detail: strings.TrimSpace(string(out))}
}

func checkOpenClawDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "OpenClaw Dir", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.OpenClaw.Dir
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return CheckResult{Name: "OpenClaw Dir", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	jobs := filepath.Join(dir, "cron", "jobs.json")
	if _, err := os.Stat(jobs); err != nil {
		return CheckResult{Name: "OpenClaw Dir", Status: StatusWarn, Message: "No jobs.json yet", Detail: jobs}
	}
	return CheckResult{Name: "OpenClaw Dir", Status: StatusPass, Message: dir, Detail: jobs}
}

func checkOracleKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Oracle Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.Oracle.Provider
	if cfg.OracleAPIKey() != "" {
		return CheckResult{Name: "Oracle Key", Status: StatusPass, Message: fmt.Sprintf("Key set for %s", provider)}
	}
	if provider == "openclaw" {
		return CheckResult{Name: "Oracle Key", Status: StatusWarn, Message: "No gateway token set",
			Detail: "Set OPENCLAW_GATEWAY_TOKEN if the gateway requires auth"}
	}
	return CheckResult{Name: "Oracle Key", Status: StatusFail, Message: fmt.Sprintf("No API key for %s provider", provider),
		Detail: "Set oracle.api_key or the provider's env var"}
}

// oracleHost returns the host the oracle talks to.
func oracleHost(cfg *config.Config) string {
	raw := cfg.Oracle.BaseURL
	if raw == "" && cfg.Oracle.Provider == "openclaw" {
		raw = cfg.OpenClaw.GatewayURL
	}
	if raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openrouter":        "openrouter.ai",
		"openai_compatible": "api.openai.com",
	}
	return endpoints[strings.ToLower(cfg.Oracle.Provider)]
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := oracleHost(cfg)
	if host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No oracle endpoint to resolve"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.Oracle.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.Oracle.Provider, addrs),
	}
}
