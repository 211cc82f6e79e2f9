package vector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/memlayer/pkg/memory"
)

// TestVectorStoreSuite runs the store contract suite against an in-memory collection.
func TestVectorStoreSuite(t *testing.T) {
	suite := &memory.StoreTestSuite{
		NewStore: func(t *testing.T) memory.Store {
			return New(Config{Dimensions: 64})
		},
	}

	suite.RunAllTests(t)
}

func newInitializedStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	s := New(cfg, opts...)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Cleanup(context.Background()) })
	return s
}

func TestStore_EmbedsMissingVectors(t *testing.T) {
	s := newInitializedStore(t, Config{Dimensions: 32})
	ctx := context.Background()

	stored, err := s.StoreEntry(ctx, Entry{Entry: memory.Entry{Key: "k", Value: map[string]any{"text": "hello world"}}})
	require.NoError(t, err)
	assert.Len(t, stored.Embedding, 32)

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", got.Value["text"])
	assert.Len(t, got.Embedding, 32)
}

func TestStore_RejectsWrongDimensions(t *testing.T) {
	s := newInitializedStore(t, Config{Dimensions: 8})
	_, err := s.StoreEntry(context.Background(), Entry{
		Entry:     memory.Entry{Key: "k", Value: map[string]any{}},
		Embedding: []float32{1, 0, 0},
	})
	assert.True(t, errors.Is(err, memory.ErrStorage))

	_, err = s.Similar(context.Background(), []float32{1}, 3)
	assert.Equal(t, memory.KindQuery, memory.Kind(err))
}

func TestStore_Similar(t *testing.T) {
	s := newInitializedStore(t, Config{Dimensions: 4})
	ctx := context.Background()

	for _, e := range []Entry{
		{Entry: memory.Entry{Key: "north", Value: map[string]any{}}, Embedding: []float32{1, 0, 0, 0}},
		{Entry: memory.Entry{Key: "east", Value: map[string]any{}}, Embedding: []float32{0, 1, 0, 0}},
		{Entry: memory.Entry{Key: "northeast", Value: map[string]any{}}, Embedding: []float32{1, 1, 0, 0}},
	} {
		_, err := s.StoreEntry(ctx, e)
		require.NoError(t, err)
	}

	results, err := s.Similar(ctx, []float32{1, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "north", results[0].Entry.Key)
	assert.Equal(t, "northeast", results[1].Entry.Key)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)

	// n larger than the collection is clamped.
	results, err = s.Similar(ctx, []float32{0, 1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "east", results[0].Entry.Key)
}

func TestStore_SimilarSkipsExpired(t *testing.T) {
	s := newInitializedStore(t, Config{Dimensions: 2})
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := s.StoreEntry(ctx, Entry{Entry: memory.Entry{Key: "old", Value: map[string]any{}, ExpiresAt: &past}, Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = s.StoreEntry(ctx, Entry{Entry: memory.Entry{Key: "live", Value: map[string]any{}}, Embedding: []float32{0, 1}})
	require.NoError(t, err)

	results, err := s.Similar(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "live", results[0].Entry.Key)
}

func TestStore_SimilarText(t *testing.T) {
	s := newInitializedStore(t, Config{Dimensions: 128})
	ctx := context.Background()

	_, err := s.Store(ctx, memory.Entry{Key: "pets", Value: map[string]any{"note": "cats and dogs"}})
	require.NoError(t, err)
	_, err = s.Store(ctx, memory.Entry{Key: "weather", Value: map[string]any{"note": "sunny skies tomorrow"}})
	require.NoError(t, err)

	results, err := s.SimilarText(ctx, "dogs", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pets", results[0].Entry.Key)
}

func TestStore_PersistentReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := New(Config{Path: dir, Dimensions: 16})
	require.NoError(t, s.Initialize(ctx))
	first, err := s.Store(ctx, memory.Entry{Key: "keep", Value: map[string]any{"v": "1"}, Scope: memory.ScopeGlobal})
	require.NoError(t, err)
	require.NoError(t, s.Cleanup(ctx))

	reopened := newInitializedStore(t, Config{Path: dir, Dimensions: 16})
	ok, err := reopened.Exists(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, ok)

	stream, err := reopened.Retrieve(ctx, memory.Query{})
	require.NoError(t, err)
	results, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.ScopeGlobal, results[0].Entry.Scope)
	assert.True(t, first.CreatedAt.Equal(results[0].Entry.CreatedAt))
}

func TestCachedEmbedder(t *testing.T) {
	var calls atomic.Int32
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return []float32{float32(len(text)), 1}, nil
	})
	c, err := NewCachedEmbedder(inner, 100)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	v1, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	c.wait()

	v2, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())

	// Mutating a returned vector does not poison the cache.
	v2[0] = 99
	v3, err := c.Embed(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, float32(3), v3[0])
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "The quick brown fox")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "the QUICK brown fox!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "tokenization ignores case and punctuation")

	empty, err := h.Embed(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])

	var norm float32
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestCodecRoundTrip(t *testing.T) {
	exp := time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC)
	in := memory.Entry{
		Key:       "k",
		Value:     map[string]any{"n": 1.5, "s": "x"},
		Type:      memory.LongTerm,
		Scope:     memory.ScopeSession,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: exp.Add(-time.Hour),
		UpdatedAt: exp.Add(-time.Minute),
		ExpiresAt: &exp,
		Indices:   []memory.IndexType{memory.IndexSemantic, memory.IndexTemporal},
	}
	doc, err := encode(in, []float32{1, 0})
	require.NoError(t, err)
	out, err := decode(doc)
	require.NoError(t, err)
	assert.Equal(t, in, out.Entry)
}

func TestStore_NotInitialized(t *testing.T) {
	s := New(Config{})
	_, err := s.Similar(context.Background(), make([]float32, 256), 1)
	assert.Equal(t, memory.KindNotInitialized, memory.Kind(err))
}
