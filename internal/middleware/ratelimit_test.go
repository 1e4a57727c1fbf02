package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("a") {
			t.Fatalf("attempt %d refused", i+1)
		}
	}
	if rl.Allow("a") {
		t.Error("fourth attempt inside the window allowed")
	}
	if !rl.Allow("b") {
		t.Error("other key should have its own budget")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Error("attempt after the window refused")
	}
}

func TestRateLimiter_SweepDropsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(2 * time.Minute)
	rl.sweep()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["a"]; ok {
		t.Error("expired key not swept")
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	defer rl.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("k") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Errorf("allowed: got %d, want 5", allowed)
	}
}

func TestRateLimit_Middleware(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Second)
	defer rl.Close()
	h := RateLimit(rl, ClientKey)(okHandler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := send("10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first: %d", rec.Code)
	}
	rec := send("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second from same host: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}
	if rec := send("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("other host: got %d", rec.Code)
	}
}
