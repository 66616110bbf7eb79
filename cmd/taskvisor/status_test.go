package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790")

	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestDaemonURL(t *testing.T) {
	cases := map[string]string{
		"":                     "http://127.0.0.1:18790",
		"127.0.0.1:9000":       "http://127.0.0.1:9000",
		"0.0.0.0:9000":         "http://127.0.0.1:9000",
		":9000":                "http://127.0.0.1:9000",
		"[::1]:9000":           "http://[::1]:9000",
		"http://example.test/": "http://example.test",
		"https://example.test": "https://example.test",
	}
	for in, want := range cases {
		if got := daemonURL(in); got != want {
			t.Errorf("daemonURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and points
// TASKVISOR_HOME at it.
func setTestConfig(t *testing.T, addr string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKVISOR_HOME", home)
	t.Setenv("TASKVISOR_BIND_ADDR", "")
	t.Setenv("TASKVISOR_DB_PATH", "")
	yaml := "bind_addr: \"" + addr + "\"\nopenclaw:\n  dir: \"" + filepath.Join(home, "openclaw") + "\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
