package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memlayer.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp config: %v", err)
	}
	return path
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, watcher.ConfigPath())
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("with debounce option", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader, WithDebounce(100*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
	})
}

func TestWatcher_Watch(t *testing.T) {
	loader := NewLoader()

	t.Run("detects file changes", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test-app\nlog:\n  level: info\n")

		watcher, err := NewWatcher(configPath, loader, WithDebounce(50*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		received := make(chan *Config, 4)
		watcher.OnChange(func(cfg *Config) {
			received <- cfg
		})

		go func() { _ = watcher.Watch(ctx) }()
		time.Sleep(100 * time.Millisecond)

		updated := "app:\n  name: updated-app\nlog:\n  level: debug\ncleanup:\n  schedule: \"@every 5m\"\n"
		if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
			t.Fatalf("failed to update temp config: %v", err)
		}

		select {
		case cfg := <-received:
			if cfg.Log.Level != "debug" {
				t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
			}
			if cfg.Cleanup.Schedule != "@every 5m" {
				t.Errorf("expected schedule '@every 5m', got '%s'", cfg.Cleanup.Schedule)
			}
		case <-ctx.Done():
			t.Fatal("expected callback to be called after config change")
		}
	})

	t.Run("invalid file keeps callbacks quiet", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader, WithDebounce(50*time.Millisecond))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		var mu sync.Mutex
		calls := 0
		watcher.OnChange(func(*Config) {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = watcher.Watch(ctx) }()
		time.Sleep(100 * time.Millisecond)

		if err := os.WriteFile(configPath, []byte("store:\n  primary: floppy\n"), 0644); err != nil {
			t.Fatalf("failed to update temp config: %v", err)
		}
		time.Sleep(300 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if calls != 0 {
			t.Errorf("expected no callbacks for an invalid config, got %d", calls)
		}
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		watchErr := make(chan error, 1)
		go func() {
			watchErr <- watcher.Watch(ctx)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-watchErr:
			if err != context.Canceled {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("watcher did not stop on context cancel")
		}
	})

	t.Run("prevents double watch", func(t *testing.T) {
		configPath := writeConfig(t, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		go func() { _ = watcher.Watch(context.Background()) }()
		time.Sleep(100 * time.Millisecond)

		if err := watcher.Watch(context.Background()); err == nil {
			t.Error("expected error when starting double watch")
		}
	})
}

func TestWatcher_OnChange(t *testing.T) {
	configPath := writeConfig(t, "app:\n  name: test\n")

	watcher, err := NewWatcher(configPath, NewLoader(), WithOverrides(map[string]interface{}{
		"log.level": "warn",
	}))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	levels := make(chan string, 2)
	for i := 0; i < 2; i++ {
		watcher.OnChange(func(cfg *Config) {
			defer wg.Done()
			levels <- cfg.Log.Level
		})
	}

	watcher.reloadConfig()
	wg.Wait()
	close(levels)

	for level := range levels {
		if level != "warn" {
			t.Errorf("expected overrides to survive reload, got level %q", level)
		}
	}
}

func TestWatcher_Stop(t *testing.T) {
	configPath := writeConfig(t, "app:\n  name: test\n")

	watcher, err := NewWatcher(configPath, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	go func() { _ = watcher.Watch(context.Background()) }()
	time.Sleep(100 * time.Millisecond)

	if !watcher.IsRunning() {
		t.Error("expected watcher to be running")
	}

	if err := watcher.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if watcher.IsRunning() {
		t.Error("expected watcher to not be running after Stop")
	}
}

func TestWatcher_NonExistentFile(t *testing.T) {
	watcher, err := NewWatcher("/nonexistent/memlayer.yaml", NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := watcher.Watch(ctx); err == nil {
		t.Error("expected error when watching non-existent file")
	}
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	base := ExtractHotReloadable(cfg)

	if base.LogLevel != "info" {
		t.Errorf("expected log level 'info', got '%s'", base.LogLevel)
	}
	if base.CleanupSchedule != "@every 1m" {
		t.Errorf("expected schedule '@every 1m', got '%s'", base.CleanupSchedule)
	}

	if base.Changed(ExtractHotReloadable(DefaultConfig())) {
		t.Error("identical configs should not report a change")
	}

	cfg.Log.Level = "debug"
	levelOnly := ExtractHotReloadable(cfg)
	if !base.Changed(levelOnly) {
		t.Error("expected log level change to be detected")
	}
	if base.CleanupChanged(levelOnly) {
		t.Error("log level change should not reschedule cleanup")
	}

	cfg.Cleanup.Schedule = "@hourly"
	if !base.CleanupChanged(ExtractHotReloadable(cfg)) {
		t.Error("expected schedule change to be detected")
	}
}
