package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/memlayer/pkg/memory"
)

type sweepRecord struct {
	success bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	sweeps []sweepRecord
}

func (r *fakeRecorder) RecordSweep(success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, sweepRecord{success: success})
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sweeps)
}

// failingStore fails CleanupExpired and otherwise behaves like InMemoryStore.
type failingStore struct {
	*memory.InMemoryStore
}

func (failingStore) CleanupExpired(context.Context) (int, error) {
	return 0, memory.NewStorageError("broken", "cleanup_expired", errors.New("disk on fire"))
}

func newRegistry(t *testing.T, stores map[string]memory.Store) *memory.Registry {
	t.Helper()
	reg := memory.NewRegistry()
	for _, name := range []string{"primary", "secondary", "broken"} {
		s, ok := stores[name]
		if !ok {
			continue
		}
		if err := reg.Register(name, s); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := reg.InitializeAll(context.Background()); err != nil {
		t.Fatalf("InitializeAll: %v", err)
	}
	t.Cleanup(func() { _ = reg.CleanupAll(context.Background()) })
	return reg
}

func storeExpired(t *testing.T, s memory.Store, keys ...string) {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	for _, key := range keys {
		if _, err := s.Store(context.Background(), memory.Entry{
			Key:       key,
			Value:     map[string]any{"k": key},
			ExpiresAt: &past,
		}); err != nil {
			t.Fatalf("Store(%s): %v", key, err)
		}
	}
}

func TestNew_ValidatesSchedule(t *testing.T) {
	reg := memory.NewRegistry()

	if _, err := New(reg, Config{Schedule: "whenever"}); err == nil {
		t.Error("expected an invalid schedule to be rejected")
	}
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected a nil registry to be rejected")
	}

	s, err := New(reg, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Schedule() != DefaultSchedule {
		t.Errorf("expected default schedule, got %q", s.Schedule())
	}
}

func TestRunOnce_SweepsEveryStore(t *testing.T) {
	primary := memory.NewInMemoryStore()
	secondary := memory.NewInMemoryStore()
	reg := newRegistry(t, map[string]memory.Store{"primary": primary, "secondary": secondary})

	storeExpired(t, primary, "a", "b")
	storeExpired(t, secondary, "c")
	if _, err := primary.Store(context.Background(), memory.Entry{Key: "live", Value: map[string]any{}}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec := &fakeRecorder{}
	s, err := New(reg, Config{Concurrency: 1}, WithRecorder(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := s.RunOnce(context.Background())
	if res.Err != nil {
		t.Fatalf("RunOnce error: %v", res.Err)
	}
	if res.Removed["primary"] != 2 || res.Removed["secondary"] != 1 {
		t.Errorf("unexpected counts: %v", res.Removed)
	}
	if res.Total() != 3 {
		t.Errorf("expected 3 removed, got %d", res.Total())
	}

	ok, err := primary.Exists(context.Background(), "live")
	if err != nil || !ok {
		t.Errorf("live entry should survive the sweep (ok=%v, err=%v)", ok, err)
	}
	if rec.count() != 1 || !rec.sweeps[0].success {
		t.Errorf("expected one successful sweep recorded, got %+v", rec.sweeps)
	}
}

func TestRunOnce_FailureDoesNotStopOthers(t *testing.T) {
	primary := memory.NewInMemoryStore()
	reg := newRegistry(t, map[string]memory.Store{
		"primary": primary,
		"broken":  failingStore{memory.NewInMemoryStore()},
	})
	storeExpired(t, primary, "a")

	rec := &fakeRecorder{}
	s, err := New(reg, Config{}, WithRecorder(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := s.RunOnce(context.Background())
	if res.Err == nil {
		t.Fatal("expected the broken store's failure to be reported")
	}
	if !strings.Contains(res.Err.Error(), "broken") {
		t.Errorf("error should name the failing store: %v", res.Err)
	}
	if memory.Kind(res.Err) != memory.KindStorage {
		t.Errorf("expected a storage error kind, got %v", memory.Kind(res.Err))
	}
	if res.Removed["primary"] != 1 {
		t.Errorf("healthy store should still be swept, got %v", res.Removed)
	}
	if rec.count() != 1 || rec.sweeps[0].success {
		t.Errorf("expected one failed sweep recorded, got %+v", rec.sweeps)
	}
}

func TestStartStop(t *testing.T) {
	primary := memory.NewInMemoryStore()
	reg := newRegistry(t, map[string]memory.Store{"primary": primary})
	storeExpired(t, primary, "a", "b")

	rec := &fakeRecorder{}
	s, err := New(reg, Config{Schedule: "@every 1s"}, WithRecorder(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected a second Start to fail")
	}
	if !s.Running() {
		t.Error("expected sweeper to be running")
	}

	deadline := time.Now().Add(3 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if rec.count() == 0 {
		t.Fatal("expected at least one scheduled sweep")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Running() {
		t.Error("expected sweeper to be stopped")
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop on a stopped sweeper should be a no-op: %v", err)
	}

	ok, err := primary.Exists(context.Background(), "a")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected the expired entry to be swept")
	}
}

func TestReschedule(t *testing.T) {
	reg := newRegistry(t, map[string]memory.Store{"primary": memory.NewInMemoryStore()})
	s, err := New(reg, Config{Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Reschedule("nonsense"); err == nil {
		t.Error("expected an invalid schedule to be rejected")
	}
	if err := s.Reschedule("@every 2h"); err != nil {
		t.Fatalf("Reschedule before Start: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Reschedule("*/5 * * * *"); err != nil {
		t.Fatalf("Reschedule while running: %v", err)
	}
	if s.Schedule() != "*/5 * * * *" {
		t.Errorf("unexpected schedule %q", s.Schedule())
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Errorf("expected exactly one cron entry after reschedule, got %d", n)
	}
}
