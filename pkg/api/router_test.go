package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/api/handlers"
	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit.Enabled = false
	return cfg
}

func testLogger() logger.Logger {
	return logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Writer: io.Discard,
	})
}

// createTestHandlers wires handlers over an initialized in-memory store.
func createTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	store := memory.NewInMemoryStore()
	reg := memory.NewRegistry()
	if err := reg.Register(store.Name(), store); err != nil {
		t.Fatal(err)
	}
	if err := reg.InitializeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.CleanupAll(context.Background()) })

	log := testLogger()
	stream := handlers.NewStreamHandler(store, log, handlers.StreamConfig{})
	t.Cleanup(stream.Close)
	return &Handlers{
		Memory: handlers.NewMemoryHandler(store, log, handlers.WithNotifier(stream)),
		Stream: stream,
		Health: handlers.NewHealthHandler(reg, handlers.WithStreamCount(stream.Connections)),
	}
}

func TestRouter_HealthEndpoints(t *testing.T) {
	router := NewRouter(testConfig(), testLogger(), createTestHandlers(t))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "health", path: "/health", wantStatus: http.StatusOK},
		{name: "ready", path: "/ready", wantStatus: http.StatusOK},
		{name: "status", path: "/status", wantStatus: http.StatusOK},
		{name: "unknown route", path: "/nope", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestRouter_MemoryRoutes(t *testing.T) {
	router := NewRouter(testConfig(), testLogger(), createTestHandlers(t))

	body := `{"key":"greeting","value":{"text":"hello"},"scope":"global"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memory/entries", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("store status = %d, body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries/greeting", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var entry memory.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Value["text"] != "hello" {
		t.Fatalf("entry = %+v", entry)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/memory/entries/greeting", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status = %d, want 405", w.Code)
	}
}

func TestRouter_AuthProtectsAPIOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth = config.AuthConfig{Enabled: true, Secret: "router-test-secret-router-test-secret"}
	router := NewRouter(cfg, testLogger(), createTestHandlers(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(cfg.Server.Auth.Secret))
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", w.Code)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1, ClientTTL: time.Minute}
	router := NewRouter(cfg, testLogger(), createTestHandlers(t))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}

	// Probes are never limited.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORS.Enabled = true
	router := NewRouter(cfg, testLogger(), createTestHandlers(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/memory/entries", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

type countingRecorder struct {
	paths []string
}

func (c *countingRecorder) RecordHTTPRequest(method, path, status string, d time.Duration) {
	c.paths = append(c.paths, path)
}
func (c *countingRecorder) IncActiveConnections() {}
func (c *countingRecorder) DecActiveConnections() {}

func TestRouter_MetricsUseRoutePatterns(t *testing.T) {
	h := createTestHandlers(t)
	rec := &countingRecorder{}
	h.Metrics = rec
	router := NewRouter(testConfig(), testLogger(), h)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/memory/entries/abc", nil))
	if len(rec.paths) != 1 || rec.paths[0] != "/api/v1/memory/entries/{key}" {
		t.Fatalf("recorded paths = %v", rec.paths)
	}
}
