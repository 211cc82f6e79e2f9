package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goclaw/memlayer/config"
	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
	"github.com/goclaw/memlayer/pkg/sweeper"
)

func quietLogger() logger.Logger {
	return logger.New(&logger.Config{Level: logger.ErrorLevel, Format: "json", Writer: io.Discard})
}

func TestBuildOverrides(t *testing.T) {
	*serverPort, *logLevel, *primary, *debugMode = 9090, "debug", "badger", true
	defer func() {
		*serverPort, *logLevel, *primary, *debugMode = 0, "", "", false
	}()

	got := buildOverrides()
	want := map[string]interface{}{
		"server.port":   9090,
		"log.level":     "debug",
		"store.primary": "badger",
		"app.debug":     true,
	}
	if len(got) != len(want) {
		t.Fatalf("overrides = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("overrides[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestBuildStores_PrimaryAndSecondaries(t *testing.T) {
	cfg := config.DefaultConfig().Store
	cfg.Primary = config.BackendInMemory
	cfg.Secondaries = []string{config.BackendBadger, config.BackendSQL, config.BackendVector}
	cfg.Badger.InMemory = true
	cfg.SQL.DSN = "file:" + filepath.Join(t.TempDir(), "memlayer.db")
	cfg.Vector.Dimensions = 16

	set, err := buildStores(cfg, memory.NopRecorder(), quietLogger())
	if err != nil {
		t.Fatalf("buildStores() error = %v", err)
	}

	names := set.registry.Names()
	if strings.Join(names, ",") != "inmemory,badger,sql,vector" {
		t.Fatalf("registry names = %v", names)
	}
	if set.vector == nil {
		t.Fatal("expected raw vector store to be exposed for similarity search")
	}
	if n := len(set.composite.Stores()); n != 4 {
		t.Fatalf("composite has %d stores, want 4", n)
	}

	ctx := context.Background()
	if err := set.composite.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer set.composite.Cleanup(ctx)

	if _, err := set.composite.Store(ctx, memory.Entry{Key: "k", Value: map[string]any{"text": "hello"}}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	for _, name := range names {
		store, _ := set.registry.Get(name)
		ok, err := store.Exists(ctx, "k")
		if err != nil || !ok {
			t.Errorf("%s: Exists = %v, %v; want replicated entry", name, ok, err)
		}
	}
}

func TestBuildStores_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig().Store
	cfg.Secondaries = []string{"cassandra"}

	if _, err := buildStores(cfg, nil, quietLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestReconcileSweeper(t *testing.T) {
	reg := memory.NewRegistry()
	if err := reg.Register("inmemory", memory.NewInMemoryStore()); err != nil {
		t.Fatal(err)
	}
	sw, err := sweeper.New(reg, sweeper.Config{Schedule: "@every 1h"}, sweeper.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	defer sw.Stop(ctx)

	if err := reconcileSweeper(ctx, sw, config.HotReloadableConfig{CleanupEnabled: true, CleanupSchedule: "@every 30m"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !sw.Running() || sw.Schedule() != "@every 30m" {
		t.Fatalf("running=%v schedule=%q", sw.Running(), sw.Schedule())
	}

	if err := reconcileSweeper(ctx, sw, config.HotReloadableConfig{CleanupEnabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if sw.Running() {
		t.Fatal("sweeper should be stopped")
	}

	if err := reconcileSweeper(ctx, sw, config.HotReloadableConfig{CleanupEnabled: true, CleanupSchedule: "not a schedule"}); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
	if sw.Running() {
		t.Fatal("invalid schedule must not start the sweeper")
	}
}

func TestApplyReload_LogLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	log := quietLogger()
	app := &application{cfg: cfg, log: log}

	reg := memory.NewRegistry()
	sw, err := sweeper.New(reg, sweeper.Config{}, sweeper.WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}

	current := config.HotReloadableConfig{LogLevel: "error"}
	next := config.HotReloadableConfig{LogLevel: "debug"}
	app.applyReload(context.Background(), sw, &current, next)

	if log.GetLevel() != logger.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}
	if current != next {
		t.Errorf("current = %+v, want %+v", current, next)
	}
	if sw.Running() {
		t.Error("sweeper should stay stopped when cleanup is disabled")
	}
}

func TestApplication_RunServesAndShutsDown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Metrics.Enabled = false
	cfg.Cleanup.Schedule = "@every 1h"
	cfg.Server.HTTP.ShutdownTimeout = 5 * time.Second

	app := &application{cfg: cfg, log: quietLogger(), ready: make(chan string, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx) }()

	var addr string
	select {
	case addr = <-app.ready:
	case err := <-done:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}
	base := fmt.Sprintf("http://%s", addr)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/v1/memory/entries", "application/json",
		strings.NewReader(`{"key":"note","value":{"text":"remember"}}`))
	if err != nil {
		t.Fatalf("POST entry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("store status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"running":true`) {
		t.Errorf("status should report a running sweeper: %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
