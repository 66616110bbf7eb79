package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskvisor/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func post(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/tasks", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := gateway.NewRateLimiter(60, 3).Wrap(okHandler())

	for i := 0; i < 3; i++ {
		if rec := post(handler, "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := post(handler, "10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	handler := gateway.NewRateLimiter(60, 1).Wrap(okHandler())
	if rec := post(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
		t.Fatalf("client a: %d", rec.Code)
	}
	if rec := post(handler, "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Fatalf("client b should have its own bucket: %d", rec.Code)
	}
}

func TestRateLimit_ReadsAreNotLimited(t *testing.T) {
	handler := gateway.NewRateLimiter(60, 1).Wrap(okHandler())
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/tasks", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_DisabledIsNil(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 5)
	if rl != nil {
		t.Fatal("expected nil limiter")
	}
	handler := rl.Wrap(okHandler())
	for i := 0; i < 20; i++ {
		if rec := post(handler, "10.0.0.1:1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimiter(60, 5)
	handler := rl.Wrap(okHandler())
	post(handler, "10.0.0.1:1")
	post(handler, "10.0.0.2:1")
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("buckets = %d", n)
	}
	rl.EvictStale(time.Hour)
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("fresh buckets evicted: %d", n)
	}
	rl.EvictStale(-time.Second)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("stale buckets kept: %d", n)
	}
}

func TestTokenBucket_Refills(t *testing.T) {
	tb := gateway.NewTokenBucket(6000, 1)
	if !tb.Allow() {
		t.Fatal("first request denied")
	}
	if tb.Allow() {
		t.Fatal("burst exceeded")
	}
	time.Sleep(30 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket did not refill")
	}
}
