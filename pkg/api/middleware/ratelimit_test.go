package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/goclaw/memlayer/config"
)

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do("10.0.0.1:1234"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := do("10.0.0.1:5678")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// Other clients have their own bucket.
	if w := do("10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("second client: status = %d, want 200", w.Code)
	}

	// Tokens refill over time.
	now = now.Add(time.Second)
	if w := do("10.0.0.1:1234"); w.Code != http.StatusOK {
		t.Fatalf("after refill: status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 10, Burst: 10, ClientTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.allow("ip:a")
	rl.allow("ip:b")
	if got := rl.Clients(); got != 2 {
		t.Fatalf("Clients() = %d, want 2", got)
	}

	now = now.Add(2 * time.Minute)
	rl.allow("ip:c")
	if got := rl.Clients(); got != 1 {
		t.Fatalf("Clients() after eviction = %d, want 1", got)
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	if got := clientID(req); got != "ip:192.0.2.1" {
		t.Errorf("clientID() = %q", got)
	}

	req.RemoteAddr = "not-an-addr"
	if got := clientID(req); got != "ip:not-an-addr" {
		t.Errorf("clientID() = %q", got)
	}
}
