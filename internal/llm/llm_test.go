package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("HTTP 401 Unauthorized"), ErrorClassAuth},
		{errors.New("429 too many requests"), ErrorClassRateLimit},
		{context.DeadlineExceeded, ErrorClassTimeout},
		{errors.New("request timed out"), ErrorClassTimeout},
		{errors.New("maximum context length exceeded"), ErrorClassContextOverflow},
		{errors.New("dial tcp: connection refused"), ErrorClassUnavailable},
		{errors.New("boom"), ErrorClassUnknown},
		{nil, ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Fatalf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestTimeoutErrorNamesTimeout(t *testing.T) {
	err := TimeoutError("oracle", context.DeadlineExceeded)
	if !strings.Contains(err.Error(), "timeout") || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	plain := errors.New("boom")
	if TimeoutError("oracle", plain) != plain {
		t.Fatal("non-timeout errors must pass through")
	}
}

func TestGatewayCompleter_SendsRoutingHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    chatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there  "}}]}`))
	}))
	defer srv.Close()

	c := NewGatewayCompleter(GatewayConfig{BaseURL: srv.URL + "/", Token: "tok"})
	out, err := c.Complete(context.Background(), CompletionRequest{
		System: "sys", Prompt: "hello", SessionKey: "agent:ops:tasks", AgentID: "ops",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hi there" {
		t.Fatalf("out = %q", out)
	}
	mu.Lock()
	defer mu.Unlock()
	if headers.Get("Authorization") != "Bearer tok" || headers.Get("x-openclaw-agent-id") != "ops" || headers.Get("x-openclaw-session-key") != "agent:ops:tasks" {
		t.Fatalf("headers = %v", headers)
	}
	if body.Model != DefaultGatewayModel || body.User != "agent:ops:tasks" || len(body.Messages) != 2 || body.Stream {
		t.Fatalf("body = %+v", body)
	}
}

func TestGatewayCompleter_MainAgentOmitsHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("x-openclaw-agent-id")
		_, _ = w.Write([]byte(`plain reply`))
	}))
	defer srv.Close()
	out, err := NewGatewayCompleter(GatewayConfig{BaseURL: srv.URL, Token: "t"}).Complete(context.Background(), CompletionRequest{Prompt: "x", AgentID: "main"})
	if err != nil || out != "plain reply" || got != "" {
		t.Fatalf("out=%q err=%v header=%q", out, err, got)
	}
}

func TestGatewayCompleter_Errors(t *testing.T) {
	if _, err := NewGatewayCompleter(GatewayConfig{}).Complete(context.Background(), CompletionRequest{}); !errors.Is(err, ErrMissingGatewayToken) {
		t.Fatalf("expected ErrMissingGatewayToken, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewGatewayCompleter(GatewayConfig{BaseURL: srv.URL, Token: "t"}).Complete(context.Background(), CompletionRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "(502)") {
		t.Fatalf("err = %v", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewGatewayCompleter(GatewayConfig{BaseURL: slow.URL, Token: "t"}).Complete(ctx, CompletionRequest{Prompt: "x"})
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "timeout") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExtractCompletionText(t *testing.T) {
	cases := map[string]string{
		`{"choices":[{"message":{"content":"a"}}]}`:                     "a",
		`{"choices":[{"text":"b"}]}`:                                    "b",
		`{"output_text":"c"}`:                                           "c",
		`{"message":{"content":[{"text":"d1"},{"text":"d2"}]}}`:         "d1d2",
		`data: {"choices":[{"message":{"content":"e"}}]} [DONE]`:        "e",
		`no json`:                                                       "",
	}
	for in, want := range cases {
		if got := ExtractCompletionText([]byte(in)); got != want {
			t.Fatalf("ExtractCompletionText(%s) = %q, want %q", in, got, want)
		}
	}
}

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (k *memKV) KVSet(_ context.Context, key, val string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = val
	return nil
}

func (k *memKV) KVGet(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

func TestFailoverCompleter_FallsBackAndTrips(t *testing.T) {
	primaryCalls := 0
	primary := CompleterFunc(func(context.Context, CompletionRequest) (string, error) {
		primaryCalls++
		return "", errors.New("503 service unavailable")
	})
	backup := CompleterFunc(func(context.Context, CompletionRequest) (string, error) {
		return "backup", nil
	})
	f := NewFailoverCompleter([]Named{{"primary", primary}, {"backup", backup}}, 2, time.Minute, nil)
	kv := &memKV{m: map[string]string{}}
	f.SetKVStore(kv)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		out, err := f.Complete(context.Background(), CompletionRequest{Prompt: "x"})
		if err != nil || out != "backup" {
			t.Fatalf("call %d: out=%q err=%v", i, out, err)
		}
	}
	if primaryCalls != 2 {
		t.Fatalf("breaker should open after 2 failures, primary called %d times", primaryCalls)
	}
	if !strings.Contains(kv.m["llm.breaker:primary"], `"tripped":true`) {
		t.Fatalf("breaker state not persisted: %v", kv.m)
	}

	now = now.Add(2 * time.Minute)
	_, _ = f.Complete(context.Background(), CompletionRequest{Prompt: "x"})
	if primaryCalls != 3 {
		t.Fatalf("breaker should close after cooldown, primary called %d times", primaryCalls)
	}

	restored := NewFailoverCompleter([]Named{{"primary", primary}}, 2, time.Hour, nil)
	restored.SetKVStore(kv)
	restored.LoadBreakerState(context.Background())
	if restored.breakers["primary"].failures == 0 {
		t.Fatal("breaker state not restored")
	}
}

func TestFailoverCompleter_ContextOverflowStops(t *testing.T) {
	second := false
	f := NewFailoverCompleter([]Named{
		{"a", CompleterFunc(func(context.Context, CompletionRequest) (string, error) {
			return "", errors.New("maximum context length exceeded")
		})},
		{"b", CompleterFunc(func(context.Context, CompletionRequest) (string, error) {
			second = true
			return "ok", nil
		})},
	}, 0, 0, nil)
	if _, err := f.Complete(context.Background(), CompletionRequest{}); err == nil || second {
		t.Fatalf("err=%v second=%v", err, second)
	}
}

func TestNew_RequiresSomeProvider(t *testing.T) {
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New(context.Background(), Options{Provider: "anthropic"}); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v", err)
	}
	if _, err := New(context.Background(), Options{Provider: "mystery", APIKey: "k"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
