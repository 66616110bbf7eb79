package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskvisor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.OpenClaw.Dir = filepath.Join(home, "openclaw")
	return &cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if len(d.Results) != 7 {
		t.Fatalf("results = %d", len(d.Results))
	}
	if d.Results[0].Status != StatusFail || !d.Failed() {
		t.Fatalf("config check = %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_NeedsInit(t *testing.T) {
	cfg := testConfig(t)
	if r := checkConfig(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("result = %+v", r)
	}
	cfg.NeedsInit = false
	if r := checkConfig(context.Background(), cfg); r.Status != StatusPass || r.Detail == "" {
		t.Fatalf("result = %+v", r)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("result = %+v", r)
	}
	blocker := filepath.Join(cfg.HomeDir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.DBPath = filepath.Join(blocker, "x.db")
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for unopenable path, got %+v", r)
	}
}

func TestCheckOpenClawCLI(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenClaw.CLIPath = "definitely-not-openclaw-xyz"
	if r := checkOpenClawCLI(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("result = %+v", r)
	}
	cfg.OpenClaw.JobStore = config.JobStoreDisk
	if r := checkOpenClawCLI(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("disk store should only warn: %+v", r)
	}
}

func TestCheckOpenClawDir(t *testing.T) {
	cfg := testConfig(t)
	if r := checkOpenClawDir(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("missing dir: %+v", r)
	}
	if err := os.MkdirAll(filepath.Join(cfg.OpenClaw.Dir, "cron"), 0o755); err != nil {
		t.Fatal(err)
	}
	if r := checkOpenClawDir(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("no jobs.json: %+v", r)
	}
	if err := os.WriteFile(filepath.Join(cfg.OpenClaw.Dir, "cron", "jobs.json"), []byte(`{"jobs":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := checkOpenClawDir(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("with jobs.json: %+v", r)
	}
}

func TestCheckOracleKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "")
	cfg := testConfig(t)
	cfg.OpenClaw.GatewayToken = ""

	cfg.Oracle.Provider = "anthropic"
	cfg.Oracle.APIKey = ""
	if r := checkOracleKey(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("anthropic without key: %+v", r)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if r := checkOracleKey(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("anthropic with key: %+v", r)
	}
	cfg.Oracle.Provider = "openclaw"
	if r := checkOracleKey(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("openclaw without token: %+v", r)
	}
}

func TestOracleHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle.Provider = "openclaw"
	cfg.OpenClaw.GatewayURL = "http://127.0.0.1:18789"
	if got := oracleHost(cfg); got != "127.0.0.1" {
		t.Fatalf("host = %q", got)
	}
	cfg.Oracle.Provider = "anthropic"
	cfg.Oracle.BaseURL = ""
	if got := oracleHost(cfg); got != "api.anthropic.com" {
		t.Fatalf("host = %q", got)
	}
	cfg.Oracle.BaseURL = "https://llm.internal:8443/v1"
	if got := oracleHost(cfg); got != "llm.internal" {
		t.Fatalf("host = %q", got)
	}
}

func TestCheckNetwork_Loopback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Oracle.Provider = "openclaw"
	cfg.Oracle.BaseURL = "http://127.0.0.1:1"
	if r := checkNetwork(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("result = %+v", r)
	}
}
