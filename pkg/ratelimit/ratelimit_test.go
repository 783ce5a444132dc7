package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// burst of 2: two immediate requests pass, the third waits for a refill
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("hooks.example.com") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("hooks.example.com") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("hooks.example.com") {
		t.Error("Third request should be rate limited")
	}
	if !limiter.Allow("other.example.com") {
		t.Error("Keys should not share a bucket")
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("hooks.example.com") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestWait(t *testing.T) {
	limiter := NewLimiter(20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx, "k"); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 waits at 20 rps with burst 1 took %v, expected at least ~100ms", elapsed)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := limiter.Wait(cancelled, "k"); err == nil {
		t.Error("Wait() on a cancelled context should fail")
	}
}

func TestUnlimited(t *testing.T) {
	limiter := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("request %d rejected by an unlimited limiter", i)
		}
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 1)
	limiter.Allow("a")
	limiter.Allow("b")
	time.Sleep(20 * time.Millisecond)
	limiter.Allow("b")

	if removed := limiter.CleanupOldLimiters(10 * time.Millisecond); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len() = %d, want 1", limiter.Len())
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)
	handler := limiter.Middleware(func(r *http.Request) string { return "test-key" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/v1/pipelines/main/task", nil))
		codes[i] = rr.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests should succeed, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be limited, got %d", codes[2])
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := IPKeyFunc(r); got != "10.0.0.7" {
		t.Errorf("IPKeyFunc() = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := IPKeyFunc(r); got != "203.0.113.9" {
		t.Errorf("IPKeyFunc() with XFF = %q", got)
	}
}
