// Package vector provides a memory.Store backed by an embedded chromem-go
// vector collection. Entries carry an embedding; text retrieval follows the
// shared matching rules while Similar exposes nearest-neighbour search.
package vector

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/goclaw/memlayer/pkg/memory"
)

// Backend is the backend name reported by Store.
const Backend = "vector"

// Entry is a memory entry with its embedding.
type Entry struct {
	memory.Entry
	Embedding []float32 `json:"embedding,omitempty"`
}

// Config holds configuration for the vector store.
type Config struct {
	// Path persists the collection under this directory. Empty keeps it in memory.
	Path     string
	Compress bool

	Collection string

	// Dimensions is the length of every embedding in the collection.
	Dimensions int

	// CacheSize is the number of embeddings cached per text. Zero selects the
	// default; a negative value disables the cache.
	CacheSize int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collection: "memories",
		Dimensions: 256,
		CacheSize:  10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.Dimensions <= 0 {
		c.Dimensions = d.Dimensions
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	return c
}

// SimilarResult is one nearest-neighbour hit.
type SimilarResult struct {
	Entry      Entry
	Similarity float32
}

// Store implements memory.Store on a chromem-go collection.
type Store struct {
	cfg      Config
	lc       *memory.Lifecycle
	logger   memory.Logger
	now      func() time.Time
	embedder Embedder

	// mu guards the key index and serializes writers.
	mu    sync.RWMutex
	db    *chromem.DB
	col   *chromem.Collection
	cache *CachedEmbedder
	embed Embedder
	index map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l memory.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEmbedder replaces the default hashed bag-of-words embedder. Its vectors
// must have Config.Dimensions elements.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) {
		if e != nil {
			s.embedder = e
		}
	}
}

// New creates a vector store. The collection is opened by Initialize.
func New(cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:    cfg,
		logger: memory.NopLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.embedder == nil {
		s.embedder = NewHashEmbedder(cfg.Dimensions)
	}
	s.lc = memory.NewLifecycle(Backend, s.logger)
	return s
}

// Name returns the backend name.
func (s *Store) Name() string { return Backend }

// Initialize opens the database and collection and loads the key index.
func (s *Store) Initialize(ctx context.Context) error {
	return s.lc.Start(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		db := chromem.NewDB()
		if s.cfg.Path != "" {
			var err error
			db, err = chromem.NewPersistentDB(s.cfg.Path, s.cfg.Compress)
			if err != nil {
				return err
			}
		}

		embed := s.embedder
		var cache *CachedEmbedder
		if s.cfg.CacheSize > 0 {
			var err error
			cache, err = NewCachedEmbedder(s.embedder, s.cfg.CacheSize)
			if err != nil {
				return err
			}
			embed = cache
		}

		col, err := db.GetOrCreateCollection(s.cfg.Collection, nil, chromem.EmbeddingFunc(embed.Embed))
		if err != nil {
			if cache != nil {
				cache.Close()
			}
			return err
		}

		s.db, s.col, s.cache, s.embed = db, col, cache, embed
		if err := s.loadIndex(ctx); err != nil {
			s.release()
			return err
		}
		s.logger.Info("vector collection opened",
			"backend", Backend,
			"collection", s.cfg.Collection,
			"documents", len(s.index),
		)
		return nil
	})
}

// loadIndex lists the IDs already in the collection. chromem has no listing
// call, so it runs a query wide enough to return every document.
func (s *Store) loadIndex(ctx context.Context) error {
	s.index = make(map[string]struct{})
	n := s.col.Count()
	if n == 0 {
		return nil
	}
	probe := make([]float32, s.cfg.Dimensions)
	probe[0] = 1
	results, err := s.col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	for _, r := range results {
		s.index[r.ID] = struct{}{}
	}
	return nil
}

// Cleanup releases the collection. Persistent collections stay on disk.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.lc.Stop(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.release()
		return nil
	})
}

func (s *Store) release() {
	if s.cache != nil {
		s.cache.Close()
	}
	s.db, s.col, s.cache, s.embed, s.index = nil, nil, nil, nil, nil
}

// Store writes entry, embedding its value.
func (s *Store) Store(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	stored, err := s.StoreEntry(ctx, Entry{Entry: entry})
	if err != nil {
		return memory.Entry{}, err
	}
	return stored.Entry, nil
}

// StoreEntry writes entry. A missing embedding is computed from the value.
// The stored embedding is L2-normalized.
func (s *Store) StoreEntry(ctx context.Context, entry Entry) (Entry, error) {
	if err := s.lc.Check("store"); err != nil {
		return Entry{}, err
	}
	if err := memory.ValidateKey(entry.Key); err != nil {
		return Entry{}, err
	}
	if n := len(entry.Embedding); n > 0 && n != s.cfg.Dimensions {
		return Entry{}, memory.NewStorageError(Backend, "store",
			fmt.Errorf("embedding has %d dimensions, collection uses %d", n, s.cfg.Dimensions))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("store"); err != nil {
		return Entry{}, err
	}

	var prev *memory.Entry
	if _, ok := s.index[entry.Key]; ok {
		e, err := s.get(ctx, entry.Key)
		if err != nil {
			return Entry{}, err
		}
		prev = &e.Entry
	}
	stored := memory.Stamp(entry.Entry, prev, s.now())

	embedding := entry.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.embed.Embed(ctx, memory.SerializeValue(stored.Value))
		if err != nil {
			return Entry{}, memory.NewStorageError(Backend, "embed", err)
		}
	}

	doc, err := encode(stored, embedding)
	if err != nil {
		return Entry{}, memory.NewStorageError(Backend, "encode", err)
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return Entry{}, memory.NewStorageError(Backend, "add", err)
	}
	s.index[entry.Key] = struct{}{}
	return Entry{Entry: stored, Embedding: embedding}, nil
}

// Get returns the entry stored under key with its embedding. Expired entries
// are reported as absent.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	if err := s.lc.Check("get"); err != nil {
		return Entry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready("get"); err != nil {
		return Entry{}, false, err
	}
	if _, ok := s.index[key]; !ok {
		return Entry{}, false, nil
	}
	e, err := s.get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if e.IsExpired(s.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// get reads a document known to be in the index. Callers hold mu.
func (s *Store) get(ctx context.Context, key string) (Entry, error) {
	doc, err := s.col.GetByID(ctx, key)
	if err != nil {
		return Entry{}, memory.NewStorageError(Backend, "get", err)
	}
	e, err := decode(doc)
	if err != nil {
		return Entry{}, memory.NewStorageError(Backend, "decode", err)
	}
	return e, nil
}

// Retrieve streams matching entries in key order.
func (s *Store) Retrieve(ctx context.Context, query memory.Query) (*memory.Stream, error) {
	if err := s.lc.Check("retrieve"); err != nil {
		return nil, err
	}
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}

	return memory.NewStream(ctx, func(ctx context.Context, emit func(memory.SearchResult) bool) error {
		keys := q.DirectKeys()
		if keys == nil {
			keys = s.keys()
		}
		w := memory.NewWindow(q)
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok, err := s.lookup(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			res, ok := memory.Match(e.Entry, q, s.now())
			if !ok {
				continue
			}
			if !w.Push(emit, res) {
				return nil
			}
		}
		return nil
	}), nil
}

// lookup reads key if it is still indexed. Undecodable documents are skipped.
func (s *Store) lookup(ctx context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready("retrieve"); err != nil {
		return Entry{}, false, err
	}
	if _, ok := s.index[key]; !ok {
		return Entry{}, false, nil
	}
	doc, err := s.col.GetByID(ctx, key)
	if err != nil {
		return Entry{}, false, memory.NewStorageError(Backend, "get", err)
	}
	e, err := decode(doc)
	if err != nil {
		s.logger.Warn("skipping undecodable document", "backend", Backend, "key", key, "error", err)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// ready reports a cleanup that raced past the lifecycle check. Callers hold mu.
func (s *Store) ready(op string) error {
	if s.col == nil {
		return &memory.NotInitializedError{Backend: Backend, Op: op}
	}
	return nil
}

func (s *Store) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Similar returns up to n unexpired entries nearest to embedding, most
// similar first.
func (s *Store) Similar(ctx context.Context, embedding []float32, n int) ([]SimilarResult, error) {
	if err := s.lc.Check("similar"); err != nil {
		return nil, err
	}
	if len(embedding) != s.cfg.Dimensions {
		return nil, &memory.QueryError{Field: "embedding",
			Reason: fmt.Sprintf("has %d dimensions, collection uses %d", len(embedding), s.cfg.Dimensions)}
	}
	if n <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready("similar"); err != nil {
		return nil, err
	}
	if total := len(s.index); n > total {
		n = total
	}
	if n == 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, memory.NewStorageError(Backend, "query", err)
	}

	now := s.now()
	out := make([]SimilarResult, 0, len(results))
	for _, r := range results {
		e, err := decode(chromem.Document{ID: r.ID, Metadata: r.Metadata, Embedding: r.Embedding, Content: r.Content})
		if err != nil {
			s.logger.Warn("skipping undecodable document", "backend", Backend, "key", r.ID, "error", err)
			continue
		}
		if e.IsExpired(now) {
			continue
		}
		out = append(out, SimilarResult{Entry: e, Similarity: r.Similarity})
	}
	return out, nil
}

// SimilarText embeds text and returns its nearest neighbours.
func (s *Store) SimilarText(ctx context.Context, text string, n int) ([]SimilarResult, error) {
	if err := s.lc.Check("similar"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	embed := s.embed
	s.mu.RUnlock()
	if embed == nil {
		return nil, &memory.NotInitializedError{Backend: Backend, Op: "similar"}
	}
	embedding, err := embed.Embed(ctx, text)
	if err != nil {
		return nil, memory.NewStorageError(Backend, "embed", err)
	}
	return s.Similar(ctx, embedding, n)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("delete"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready("delete"); err != nil {
		return false, err
	}
	if _, ok := s.index[key]; !ok {
		return false, nil
	}
	if err := s.col.Delete(ctx, nil, nil, key); err != nil {
		return false, memory.NewStorageError(Backend, "delete", err)
	}
	delete(s.index, key)
	return true, nil
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("exists"); err != nil {
		return false, err
	}
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Clear removes every entry, or only those in scope.
func (s *Store) Clear(ctx context.Context, scope *memory.Scope) (int, error) {
	if err := s.lc.Check("clear"); err != nil {
		return 0, err
	}
	var pred func(Entry) bool
	if scope != nil {
		pred = func(e Entry) bool { return e.Scope == *scope }
	}
	return s.removeWhere(ctx, "clear", pred)
}

// CleanupExpired removes entries whose expiry has passed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.lc.Check("cleanup_expired"); err != nil {
		return 0, err
	}
	now := s.now()
	n, err := s.removeWhere(ctx, "cleanup_expired", func(e Entry) bool { return e.IsExpired(now) })
	if n > 0 {
		s.logger.Debug("expired entries removed", "backend", Backend, "count", n)
	}
	return n, err
}

// removeWhere deletes the documents satisfying pred; a nil pred matches all.
// Undecodable documents only match a nil pred.
func (s *Store) removeWhere(ctx context.Context, op string, pred func(Entry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(op); err != nil {
		return 0, err
	}

	var ids []string
	for key := range s.index {
		if pred == nil {
			ids = append(ids, key)
			continue
		}
		doc, err := s.col.GetByID(ctx, key)
		if err != nil {
			return 0, memory.NewStorageError(Backend, "get", err)
		}
		e, err := decode(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable document", "backend", Backend, "key", key, "error", err)
			continue
		}
		if pred(e) {
			ids = append(ids, key)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, memory.NewStorageError(Backend, "delete", err)
	}
	for _, id := range ids {
		delete(s.index, id)
	}
	return len(ids), nil
}
