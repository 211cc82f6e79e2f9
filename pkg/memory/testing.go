package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

// StoreTestSuite is a contract test suite that can be run against any Store implementation.
type StoreTestSuite struct {
	// NewStore returns a fresh, uninitialized store.
	NewStore func(t *testing.T) Store
}

// RunAllTests runs every contract test against the store.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("Lifecycle", s.TestLifecycle)
	t.Run("StoreAndRetrieveByKey", s.TestStoreAndRetrieveByKey)
	t.Run("EmptyKeyRejected", s.TestEmptyKeyRejected)
	t.Run("OverwritePreservesCreatedAt", s.TestOverwritePreservesCreatedAt)
	t.Run("TextSearchAndScopedClear", s.TestTextSearchAndScopedClear)
	t.Run("Filters", s.TestFilters)
	t.Run("DirectKeys", s.TestDirectKeys)
	t.Run("Pagination", s.TestPagination)
	t.Run("MinScore", s.TestMinScore)
	t.Run("DeleteAndExists", s.TestDeleteAndExists)
	t.Run("ExpiredEntriesHidden", s.TestExpiredEntriesHidden)
	t.Run("ExpiryDeadline", s.TestExpiryDeadline)
	t.Run("CleanupExpired", s.TestCleanupExpired)
	t.Run("ClearAll", s.TestClearAll)
	t.Run("EarlyClose", s.TestEarlyClose)
	t.Run("Lookup", s.TestLookup)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("CleanupExpiredDuringWrites", s.TestCleanupExpiredDuringWrites)
	t.Run("ScopedClearDuringWrites", s.TestScopedClearDuringWrites)
}

func (s *StoreTestSuite) open(t *testing.T) Store {
	t.Helper()
	store := s.NewStore(t)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Cleanup(context.Background()) })
	return store
}

func mustStore(t *testing.T, store Store, key string, value map[string]any, opts ...EntryOption) Entry {
	t.Helper()
	e, err := NewEntry(key, value, opts...)
	if err != nil {
		t.Fatalf("NewEntry(%q) failed: %v", key, err)
	}
	stored, err := store.Store(context.Background(), e)
	if err != nil {
		t.Fatalf("Store(%q) failed: %v", key, err)
	}
	return stored
}

func mustRetrieve(t *testing.T, store Store, q Query) []SearchResult {
	t.Helper()
	stream, err := store.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	results, err := stream.Collect()
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	return results
}

func resultKeys(results []SearchResult) []string {
	keys := make([]string, 0, len(results))
	for _, r := range results {
		keys = append(keys, r.Entry.Key)
	}
	sort.Strings(keys)
	return keys
}

func closeTo(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Millisecond
}

// TestLifecycle checks the initialization guard and idempotent Initialize/Cleanup.
func (s *StoreTestSuite) TestLifecycle(t *testing.T) {
	ctx := context.Background()
	store := s.NewStore(t)

	if _, err := store.Store(ctx, Entry{Key: "k", Value: map[string]any{"a": "b"}}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before Initialize, got %v", err)
	}
	if _, err := store.Retrieve(ctx, Query{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Retrieve, got %v", err)
	}

	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize should be a no-op, got %v", err)
	}
	if _, err := store.Exists(ctx, "k"); err != nil {
		t.Fatalf("Exists after Initialize failed: %v", err)
	}

	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup should be a no-op, got %v", err)
	}
	if _, err := store.Exists(ctx, "k"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after Cleanup, got %v", err)
	}
}

// TestStoreAndRetrieveByKey checks that a stored value is found by key with score 1.
func (s *StoreTestSuite) TestStoreAndRetrieveByKey(t *testing.T) {
	store := s.open(t)
	value := map[string]any{"name": "John", "city": "Berlin"}
	mustStore(t, store, "user1", value, WithMetadata(map[string]any{"source": "test"}))

	results := mustRetrieve(t, store, Query{Key: "user1"})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Score != ScoreExact {
		t.Errorf("expected score %v, got %v", ScoreExact, results[0].Score)
	}
	if !reflect.DeepEqual(results[0].Entry.Value, value) {
		t.Errorf("expected value %v, got %v", value, results[0].Entry.Value)
	}
	if results[0].Entry.Scope != ScopeSession || results[0].Entry.Type != ShortTerm {
		t.Errorf("expected default scope/type, got %s/%s", results[0].Entry.Scope, results[0].Entry.Type)
	}
	if got := results[0].Entry.Metadata["source"]; got != "test" {
		t.Errorf("expected metadata source=test, got %v", got)
	}
}

// TestEmptyKeyRejected checks that an empty key fails with a key error and persists nothing.
func (s *StoreTestSuite) TestEmptyKeyRejected(t *testing.T) {
	store := s.open(t)
	_, err := store.Store(context.Background(), Entry{Value: map[string]any{"a": "b"}})
	if !errors.Is(err, ErrKey) {
		t.Fatalf("expected ErrKey, got %v", err)
	}
	if results := mustRetrieve(t, store, Query{}); len(results) != 0 {
		t.Fatalf("expected nothing persisted, got %d entries", len(results))
	}
}

// TestOverwritePreservesCreatedAt checks the overwrite timestamp policy.
func (s *StoreTestSuite) TestOverwritePreservesCreatedAt(t *testing.T) {
	store := s.open(t)
	first := mustStore(t, store, "k", map[string]any{"v": "one"})
	time.Sleep(5 * time.Millisecond)
	second := mustStore(t, store, "k", map[string]any{"v": "two"})

	if !closeTo(first.CreatedAt, second.CreatedAt) {
		t.Errorf("expected CreatedAt %v to be preserved, got %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("expected UpdatedAt to advance, got %v then %v", first.UpdatedAt, second.UpdatedAt)
	}

	results := mustRetrieve(t, store, Query{Key: "k"})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Entry.Value["v"] != "two" {
		t.Errorf("expected overwritten value, got %v", results[0].Entry.Value)
	}
	if !closeTo(results[0].Entry.CreatedAt, first.CreatedAt) {
		t.Errorf("expected stored CreatedAt %v, got %v", first.CreatedAt, results[0].Entry.CreatedAt)
	}
}

// TestTextSearchAndScopedClear runs the john/jane scenario.
func (s *StoreTestSuite) TestTextSearchAndScopedClear(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "user1", map[string]any{"name": "John"}, WithScope(ScopeSession))
	mustStore(t, store, "user2", map[string]any{"name": "Jane"}, WithScope(ScopeGlobal))

	results := mustRetrieve(t, store, Query{QueryText: "john"})
	if len(results) != 1 || results[0].Entry.Key != "user1" {
		t.Fatalf("expected only user1, got %v", resultKeys(results))
	}
	if results[0].Score != ScoreExact {
		t.Errorf("expected score %v for exact leaf match, got %v", ScoreExact, results[0].Score)
	}
	if len(results[0].Highlights) == 0 {
		t.Errorf("expected highlights for the matching field")
	}

	removed, err := store.Clear(ctx, ScopeSession.Ptr())
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if ok, _ := store.Exists(ctx, "user1"); ok {
		t.Errorf("expected user1 to be cleared")
	}
	if ok, _ := store.Exists(ctx, "user2"); !ok {
		t.Errorf("expected user2 to survive a session clear")
	}
	if results := mustRetrieve(t, store, Query{QueryText: "jane"}); len(results) != 1 {
		t.Errorf("expected user2 retrievable, got %d results", len(results))
	}
}

// TestFilters checks field and metadata filters.
func (s *StoreTestSuite) TestFilters(t *testing.T) {
	store := s.open(t)
	mustStore(t, store, "a", map[string]any{"kind": "note"}, WithType(LongTerm), WithMetadata(map[string]any{"owner": "alice"}))
	mustStore(t, store, "b", map[string]any{"kind": "note"}, WithType(ShortTerm), WithMetadata(map[string]any{"owner": "bob"}))
	mustStore(t, store, "c", map[string]any{"kind": "task"}, WithType(LongTerm), WithScope(ScopeAgent))

	got := resultKeys(mustRetrieve(t, store, Query{Filters: map[string]any{"type": LongTerm}}))
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("type filter: expected [a c], got %v", got)
	}
	got = resultKeys(mustRetrieve(t, store, Query{Filters: map[string]any{"scope": "agent"}}))
	if !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("scope filter: expected [c], got %v", got)
	}
	got = resultKeys(mustRetrieve(t, store, Query{Filters: map[string]any{"kind": "note"}}))
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("value filter: expected [a b], got %v", got)
	}
	got = resultKeys(mustRetrieve(t, store, Query{MetadataFilters: map[string]any{"owner": "bob"}}))
	if !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("metadata filter: expected [b], got %v", got)
	}
	got = resultKeys(mustRetrieve(t, store, Query{QueryText: "note", Filters: map[string]any{"type": "long_term"}}))
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("text plus filter: expected [a], got %v", got)
	}
}

// TestDirectKeys checks multi-key lookup.
func (s *StoreTestSuite) TestDirectKeys(t *testing.T) {
	store := s.open(t)
	for _, k := range []string{"x", "y", "z"} {
		mustStore(t, store, k, map[string]any{"k": k})
	}
	results := mustRetrieve(t, store, Query{Keys: []string{"x", "z", "missing"}})
	if got := resultKeys(results); !reflect.DeepEqual(got, []string{"x", "z"}) {
		t.Fatalf("expected [x z], got %v", got)
	}
	for _, r := range results {
		if r.Score != ScoreExact {
			t.Errorf("expected direct lookup score %v, got %v", ScoreExact, r.Score)
		}
	}
}

// TestPagination checks that Limit and Offset page through all matches.
func (s *StoreTestSuite) TestPagination(t *testing.T) {
	store := s.open(t)
	for i := 0; i < 5; i++ {
		mustStore(t, store, fmt.Sprintf("page-%d", i), map[string]any{"group": "paged"})
	}

	seen := map[string]bool{}
	for offset := 0; offset < 5; offset += 2 {
		page := mustRetrieve(t, store, Query{QueryText: "paged", Limit: 2, Offset: offset})
		want := 2
		if offset == 4 {
			want = 1
		}
		if len(page) != want {
			t.Fatalf("offset %d: expected %d results, got %d", offset, want, len(page))
		}
		for _, r := range page {
			if seen[r.Entry.Key] {
				t.Errorf("key %s returned twice", r.Entry.Key)
			}
			seen[r.Entry.Key] = true
		}
	}
	if len(seen) != 5 {
		t.Errorf("expected 5 distinct keys across pages, got %d", len(seen))
	}

	if _, err := store.Retrieve(context.Background(), Query{Limit: -1}); !errors.Is(err, ErrQuery) {
		t.Errorf("expected ErrQuery for negative limit, got %v", err)
	}
}

// TestMinScore checks that partial matches fall below a raised threshold.
func (s *StoreTestSuite) TestMinScore(t *testing.T) {
	store := s.open(t)
	mustStore(t, store, "p", map[string]any{"name": "Johnny"})

	results := mustRetrieve(t, store, Query{QueryText: "john"})
	if len(results) != 1 || results[0].Score != ScorePartial {
		t.Fatalf("expected one partial match, got %v", results)
	}
	if results := mustRetrieve(t, store, Query{QueryText: "john", MinScore: 0.6}); len(results) != 0 {
		t.Errorf("expected partial match filtered by MinScore, got %d", len(results))
	}
}

// TestDeleteAndExists checks delete reporting.
func (s *StoreTestSuite) TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "d", map[string]any{"a": "b"})

	if ok, err := store.Exists(ctx, "d"); err != nil || !ok {
		t.Fatalf("expected d to exist, got %v, %v", ok, err)
	}
	deleted, err := store.Delete(ctx, "d")
	if err != nil || !deleted {
		t.Fatalf("expected delete to report true, got %v, %v", deleted, err)
	}
	deleted, err = store.Delete(ctx, "d")
	if err != nil || deleted {
		t.Fatalf("expected second delete to report false, got %v, %v", deleted, err)
	}
	if ok, _ := store.Exists(ctx, "d"); ok {
		t.Errorf("expected d to be gone")
	}
}

// TestExpiredEntriesHidden checks lazy expiry without any sweep.
func (s *StoreTestSuite) TestExpiredEntriesHidden(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "old", map[string]any{"state": "stale"}, WithExpiresAt(time.Now().Add(-time.Minute)))

	if ok, err := store.Exists(ctx, "old"); err != nil || ok {
		t.Errorf("expected expired key to be reported missing, got %v, %v", ok, err)
	}
	if results := mustRetrieve(t, store, Query{Key: "old"}); len(results) != 0 {
		t.Errorf("expected expired key omitted from direct lookup, got %d", len(results))
	}
	if results := mustRetrieve(t, store, Query{QueryText: "stale"}); len(results) != 0 {
		t.Errorf("expected expired key omitted from search, got %d", len(results))
	}
}

// TestExpiryDeadline checks an entry that expires while the test waits.
func (s *StoreTestSuite) TestExpiryDeadline(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "soon", map[string]any{"a": "b"}, WithExpiresAt(time.Now().Add(300*time.Millisecond)))

	if ok, _ := store.Exists(ctx, "soon"); !ok {
		t.Fatalf("expected key to exist before its deadline")
	}
	time.Sleep(500 * time.Millisecond)
	if ok, _ := store.Exists(ctx, "soon"); ok {
		t.Errorf("expected key to be expired after its deadline")
	}
	if results := mustRetrieve(t, store, Query{Key: "soon"}); len(results) != 0 {
		t.Errorf("expected no results after deadline, got %d", len(results))
	}
}

// TestCleanupExpired checks sweep counts.
func (s *StoreTestSuite) TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	past := time.Now().Add(-time.Hour)
	mustStore(t, store, "e1", map[string]any{"a": "1"}, WithExpiresAt(past))
	mustStore(t, store, "e2", map[string]any{"a": "2"}, WithExpiresAt(past))
	mustStore(t, store, "live", map[string]any{"a": "3"}, WithTTL(time.Hour))
	mustStore(t, store, "forever", map[string]any{"a": "4"})

	n, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	n, err = store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("second CleanupExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected second sweep to remove 0, got %d", n)
	}
	if got := resultKeys(mustRetrieve(t, store, Query{})); !reflect.DeepEqual(got, []string{"forever", "live"}) {
		t.Errorf("expected [forever live] to survive, got %v", got)
	}
}

// TestClearAll checks that Clear(nil) removes everything and reports the count.
func (s *StoreTestSuite) TestClearAll(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "a", map[string]any{"v": "1"}, WithScope(ScopeSession))
	mustStore(t, store, "b", map[string]any{"v": "2"}, WithScope(ScopeAgent))
	mustStore(t, store, "c", map[string]any{"v": "3"}, WithScope(ScopeGlobal))

	n, err := store.Clear(ctx, nil)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 removed, got %d", n)
	}
	if results := mustRetrieve(t, store, Query{}); len(results) != 0 {
		t.Errorf("expected empty store, got %d", len(results))
	}
}

// TestEarlyClose checks that abandoning a stream releases it and leaves the store usable.
func (s *StoreTestSuite) TestEarlyClose(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	for i := 0; i < 20; i++ {
		mustStore(t, store, fmt.Sprintf("bulk-%02d", i), map[string]any{"batch": "bulk"})
	}

	stream, err := store.Retrieve(ctx, Query{QueryText: "bulk", Limit: 20})
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !stream.Next() {
		t.Fatalf("expected at least one result, err=%v", stream.Err())
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stream.Next() {
		t.Errorf("expected closed stream to stop")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("expected no error after early close, got %v", err)
	}

	mustStore(t, store, "after", map[string]any{"ok": "yes"})
	if results := mustRetrieve(t, store, Query{Key: "after"}); len(results) != 1 {
		t.Errorf("expected store usable after early close")
	}
}

// TestLookup checks existence and type constraints of Lookup.
func (s *StoreTestSuite) TestLookup(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)
	mustStore(t, store, "lt", map[string]any{"a": "b"}, WithType(LongTerm))

	if _, err := Lookup(ctx, store, "missing", nil); !errors.Is(err, ErrKey) {
		t.Errorf("expected ErrKey for missing key, got %v", err)
	}
	want := ShortTerm
	if _, err := Lookup(ctx, store, "lt", &want); !errors.Is(err, ErrType) {
		t.Errorf("expected ErrType for type mismatch, got %v", err)
	}
	want = LongTerm
	e, err := Lookup(ctx, store, "lt", &want)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if e.Key != "lt" {
		t.Errorf("expected key lt, got %s", e.Key)
	}
}

// TestConcurrentAccess checks concurrent writers and readers.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := s.open(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				e := Entry{Key: fmt.Sprintf("c-%d-%d", w, i), Value: map[string]any{"worker": fmt.Sprint(w)}}
				if _, err := store.Store(ctx, e); err != nil {
					errs <- err
					return
				}
				stream, err := store.Retrieve(ctx, Query{Key: e.Key})
				if err != nil {
					errs <- err
					return
				}
				if _, err := stream.Collect(); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent operation failed: %v", err)
	}

	results := mustRetrieve(t, store, Query{Limit: workers * 5})
	if len(results) != workers*5 {
		t.Errorf("expected %d entries, got %d", workers*5, len(results))
	}
}

// sweepWhileWriting runs sweep in a loop while every key is rewritten, round
// after round, first with stale and then with live versions. After each round
// every key must exist: a sweep may remove a stale version but never the live
// one written after it.
func sweepWhileWriting(t *testing.T, store Store, stale, live func(key string, round int) Entry, sweep func(context.Context) error) {
	t.Helper()
	ctx := context.Background()
	const keys, rounds = 16, 5

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := sweep(ctx); err != nil {
				t.Errorf("sweep failed: %v", err)
				return
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for r := 0; r < rounds; r++ {
		for k := 0; k < keys; k++ {
			key := fmt.Sprintf("race-%02d", k)
			for _, e := range []Entry{stale(key, r), live(key, r)} {
				if _, err := store.Store(ctx, e); err != nil {
					t.Fatalf("Store(%q) failed: %v", key, err)
				}
			}
		}
		for k := 0; k < keys; k++ {
			key := fmt.Sprintf("race-%02d", k)
			ok, err := store.Exists(ctx, key)
			if err != nil {
				t.Fatalf("Exists(%q) failed: %v", key, err)
			}
			if !ok {
				t.Fatalf("round %d: live entry %q was removed by a concurrent sweep", r, key)
			}
		}
	}
}

// TestCleanupExpiredDuringWrites checks that CleanupExpired never removes an
// entry rewritten without expiry while the sweep runs.
func (s *StoreTestSuite) TestCleanupExpiredDuringWrites(t *testing.T) {
	store := s.open(t)
	past := time.Now().Add(-time.Hour)
	sweepWhileWriting(t, store,
		func(key string, round int) Entry {
			return Entry{Key: key, Value: map[string]any{"round": fmt.Sprint(round)}, ExpiresAt: &past}
		},
		func(key string, round int) Entry {
			return Entry{Key: key, Value: map[string]any{"round": fmt.Sprint(round)}}
		},
		func(ctx context.Context) error {
			_, err := store.CleanupExpired(ctx)
			return err
		},
	)
}

// TestScopedClearDuringWrites checks that Clear(scope) never removes an entry
// rewritten into another scope while the clear runs.
func (s *StoreTestSuite) TestScopedClearDuringWrites(t *testing.T) {
	store := s.open(t)
	sweepWhileWriting(t, store,
		func(key string, round int) Entry {
			return Entry{Key: key, Value: map[string]any{"round": fmt.Sprint(round)}, Scope: ScopeSession}
		},
		func(key string, round int) Entry {
			return Entry{Key: key, Value: map[string]any{"round": fmt.Sprint(round)}, Scope: ScopeGlobal}
		},
		func(ctx context.Context) error {
			_, err := store.Clear(ctx, ScopeSession.Ptr())
			return err
		},
	)
}
