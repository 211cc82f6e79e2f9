package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestInMemoryStoreSuite runs the full store contract suite against InMemoryStore.
func TestInMemoryStoreSuite(t *testing.T) {
	suite := &StoreTestSuite{
		NewStore: func(t *testing.T) Store {
			return NewInMemoryStore()
		},
	}

	suite.RunAllTests(t)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *InMemoryStore {
	t.Helper()
	s := NewInMemoryStore(opts...)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return s
}

func TestInMemoryStore_InsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		if _, err := s.Store(ctx, Entry{Key: k, Value: map[string]any{"k": k}}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	// Overwrite keeps the original position.
	if _, err := s.Store(ctx, Entry{Key: "c", Value: map[string]any{"k": "c2"}}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	stream, err := s.Retrieve(ctx, Query{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	results, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	want := []string{"c", "a", "b"}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, r := range results {
		if r.Entry.Key != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], r.Entry.Key)
		}
	}
	if results[0].Entry.Value["k"] != "c2" {
		t.Errorf("expected overwritten value, got %v", results[0].Entry.Value)
	}
}

func TestInMemoryStore_ClockDrivesExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	exp := clock.Now().Add(time.Minute)
	if _, err := s.Store(ctx, Entry{Key: "k", Value: map[string]any{"a": "b"}, ExpiresAt: &exp}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if ok, _ := s.Exists(ctx, "k"); !ok {
		t.Fatal("expected key to exist before expiry")
	}

	// Exactly at the deadline the entry is still live.
	clock.Advance(time.Minute)
	if ok, _ := s.Exists(ctx, "k"); !ok {
		t.Fatal("expected key to exist at its deadline")
	}

	clock.Advance(time.Second)
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Fatal("expected key to be expired")
	}
	if s.Len() != 1 {
		t.Errorf("expected lazy expiry to keep the entry until a sweep, got len %d", s.Len())
	}

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 || s.Len() != 0 {
		t.Errorf("expected 1 removed and empty store, got %d removed, len %d", n, s.Len())
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := map[string]any{"nested": map[string]any{"x": "1"}}
	if _, err := s.Store(ctx, Entry{Key: "k", Value: value}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	value["nested"].(map[string]any)["x"] = "mutated"

	stream, _ := s.Retrieve(ctx, Query{Key: "k"})
	results, _ := stream.Collect()
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0].Entry.Value["nested"].(map[string]any)["x"]
	if got != "1" {
		t.Errorf("store shares caller memory: got %v", got)
	}

	results[0].Entry.Value["nested"].(map[string]any)["x"] = "mutated again"
	stream, _ = s.Retrieve(ctx, Query{Key: "k"})
	again, _ := stream.Collect()
	if again[0].Entry.Value["nested"].(map[string]any)["x"] != "1" {
		t.Errorf("store shares result memory with callers")
	}
}

func TestInMemoryStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Store(context.Background(), Entry{Key: string(rune('a' + i)), Value: map[string]any{"v": "x"}}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Store(ctx, Entry{Key: "z", Value: map[string]any{}}); err == nil {
		t.Error("expected Store to honor a cancelled context")
	}

	stream, err := s.Retrieve(ctx, Query{})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	results, err := stream.Collect()
	if err == nil {
		t.Errorf("expected stream error for cancelled context, got %d results", len(results))
	}
}
