// Package badger provides an embedded, Badger-based memory.Store.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/memlayer/pkg/memory"
)

// Backend is the backend name reported by Store.
const Backend = "badger"

var keyPrefix = []byte("memory:entry:")

// Config holds configuration for the Badger store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// ExpiryGrace is added to the native TTL so that CleanupExpired can still
	// observe and count logically expired entries. Zero selects the default;
	// a negative value disables the grace period.
	ExpiryGrace time.Duration

	// PageSize is the number of entries read per transaction during Retrieve.
	PageSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "./data/memory",
		NumVersionsToKeep: 1,
		ExpiryGrace:       time.Minute,
		PageSize:          256,
	}
}

// Store implements memory.Store using Badger.
type Store struct {
	// mu guards db. Cleanup holds it exclusively while closing.
	mu     sync.RWMutex
	db     *badger.DB
	config Config
	lc     *memory.Lifecycle
	logger memory.Logger
	now    func() time.Time
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

// New creates a Badger store. The database is opened by Initialize.
func New(config Config, opts ...Option) *Store {
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if config.NumVersionsToKeep <= 0 {
		config.NumVersionsToKeep = 1
	}
	switch {
	case config.ExpiryGrace == 0:
		config.ExpiryGrace = DefaultConfig().ExpiryGrace
	case config.ExpiryGrace < 0:
		config.ExpiryGrace = 0
	}
	s := &Store{
		config: config,
		logger: memory.NopLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lc = memory.NewLifecycle(Backend, s.logger)
	return s
}

// Name returns the backend name.
func (s *Store) Name() string { return Backend }

// Initialize opens the database.
func (s *Store) Initialize(ctx context.Context) error {
	return s.lc.Start(ctx, func(context.Context) error {
		opts := badger.DefaultOptions(s.config.Path)
		if s.config.InMemory {
			opts = badger.DefaultOptions("").WithInMemory(true)
		}
		opts.Logger = nil
		opts.SyncWrites = s.config.SyncWrites
		opts.NumVersionsToKeep = s.config.NumVersionsToKeep
		if s.config.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = s.config.ValueLogFileSize
		}

		db, err := badger.Open(opts)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.db = db
		s.mu.Unlock()
		return nil
	})
}

// Cleanup runs value-log GC for on-disk databases and closes the database.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.lc.Stop(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.db == nil {
			return nil
		}
		if !s.config.InMemory {
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log GC failed", "backend", Backend, "error", err)
			}
		}
		err := s.db.Close()
		s.db = nil
		return err
	})
}

// withDB runs fn against the open database. Once Cleanup has closed it, fn is
// not called and a *memory.NotInitializedError is returned instead.
func (s *Store) withDB(op string, fn func(db *badger.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return &memory.NotInitializedError{Backend: Backend, Op: op}
	}
	return fn(s.db)
}

func entryKey(key string) []byte {
	return append(append([]byte(nil), keyPrefix...), key...)
}

func serialize(e memory.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, memory.NewStorageError(Backend, "marshal", err)
	}
	return data, nil
}

func deserialize(data []byte) (memory.Entry, error) {
	var e memory.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "unmarshal", err)
	}
	return e, nil
}

// getInTxn returns the entry stored under key, or nil.
func getInTxn(txn *badger.Txn, key string) (*memory.Entry, error) {
	item, err := txn.Get(entryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e memory.Entry
	err = item.Value(func(val []byte) error {
		var derr error
		e, derr = deserialize(val)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const maxConflictRetries = 3

// ttl returns the native TTL for an expiring entry. Badger tracks expiry in
// whole seconds, so the result is never below one second.
func (s *Store) ttl(e memory.Entry, now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	ttl += s.config.ExpiryGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Store writes entry in a read-modify-write transaction so CreatedAt of a
// replaced entry survives. Transaction conflicts are retried.
func (s *Store) Store(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	if err := s.lc.Check("store"); err != nil {
		return memory.Entry{}, err
	}
	if err := memory.ValidateKey(entry.Key); err != nil {
		return memory.Entry{}, err
	}

	var stored memory.Entry
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return memory.Entry{}, err
		}
		err = s.withDB("store", func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				prev, err := getInTxn(txn, entry.Key)
				if err != nil {
					return err
				}
				now := s.now()
				stored = memory.Stamp(entry, prev, now)
				data, err := serialize(stored)
				if err != nil {
					return err
				}
				e := badger.NewEntry(entryKey(entry.Key), data)
				if stored.ExpiresAt != nil {
					e = e.WithTTL(s.ttl(stored, now))
				}
				return txn.SetEntry(e)
			})
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "store", err)
	}
	return stored, nil
}

// Retrieve streams matching entries in key order. Each page of entries is read
// in its own read transaction so no transaction stays open while the consumer
// is slow. A stream still open when Cleanup runs ends with a
// *memory.NotInitializedError.
func (s *Store) Retrieve(ctx context.Context, query memory.Query) (*memory.Stream, error) {
	if err := s.lc.Check("retrieve"); err != nil {
		return nil, err
	}
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}

	return memory.NewStream(ctx, func(ctx context.Context, emit func(memory.SearchResult) bool) error {
		w := memory.NewWindow(q)
		visit := func(entries []memory.Entry) bool {
			now := s.now()
			for _, e := range entries {
				res, ok := memory.Match(e, q, now)
				if !ok {
					continue
				}
				if !w.Push(emit, res) {
					return false
				}
			}
			return true
		}

		if keys := q.DirectKeys(); keys != nil {
			var entries []memory.Entry
			err := s.withDB("retrieve", func(db *badger.DB) error {
				return db.View(func(txn *badger.Txn) error {
					for _, k := range keys {
						e, err := getInTxn(txn, k)
						if err != nil {
							return err
						}
						if e != nil {
							entries = append(entries, *e)
						}
					}
					return nil
				})
			})
			if err != nil {
				return memory.NewStorageError(Backend, "get", err)
			}
			visit(entries)
			return nil
		}

		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			page, last, err := s.readPage(after)
			if err != nil {
				return err
			}
			if !visit(page) || last == nil {
				return nil
			}
			after = last
		}
	}), nil
}

// readPage returns up to PageSize entries whose keys sort after the given key.
// next is the key to continue after, or nil once the prefix is exhausted.
func (s *Store) readPage(after []byte) (page []memory.Entry, next []byte, err error) {
	err = s.withDB("retrieve", func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			var perr error
			page, next, perr = s.pageInTxn(txn, after)
			return perr
		})
	})
	if err != nil {
		return nil, nil, memory.NewStorageError(Backend, "iterate", err)
	}
	return page, next, nil
}

func (s *Store) pageInTxn(txn *badger.Txn, after []byte) (page []memory.Entry, next []byte, err error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyPrefix
	opts.PrefetchSize = s.config.PageSize
	it := txn.NewIterator(opts)
	defer it.Close()

	if after == nil {
		it.Rewind()
	} else {
		it.Seek(after)
		if it.Valid() && bytes.Equal(it.Item().Key(), after) {
			it.Next()
		}
	}

	var lastKey []byte
	for ; it.Valid(); it.Next() {
		if len(page) == s.config.PageSize {
			return page, lastKey, nil
		}
		item := it.Item()
		lastKey = item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			e, err := deserialize(val)
			if err != nil {
				s.logger.Warn("skipping undecodable entry", "backend", Backend, "key", string(lastKey), "error", err)
				return nil
			}
			page = append(page, e)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return page, nil, nil
}

// sweepBatch bounds the number of keys re-checked and deleted per transaction.
const sweepBatch = 256

// sweep deletes the entries that satisfy pred; a nil pred matches all.
// Candidates are listed in a read transaction, then re-read and deleted in
// update transactions, so an entry rewritten in between no longer matching
// pred is kept.
func (s *Store) sweep(ctx context.Context, op string, pred func(memory.Entry) bool) (int, error) {
	var candidates [][]byte
	err := s.withDB(op, func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			candidates = collectKeys(txn, pred)
			return nil
		})
	})
	if err != nil {
		return 0, memory.NewStorageError(Backend, "iterate", err)
	}

	removed := 0
	for len(candidates) > 0 {
		n := min(sweepBatch, len(candidates))
		deleted, err := s.deleteMatching(ctx, op, candidates[:n], pred)
		removed += deleted
		if err != nil {
			return removed, err
		}
		candidates = candidates[n:]
	}
	return removed, nil
}

// collectKeys returns the keys of entries that satisfy pred. Undecodable
// entries only match a nil pred.
func collectKeys(txn *badger.Txn, pred func(memory.Entry) bool) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyPrefix
	opts.PrefetchValues = pred != nil
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if matchItem(item, pred) {
			keys = append(keys, item.KeyCopy(nil))
		}
	}
	return keys
}

func matchItem(item *badger.Item, pred func(memory.Entry) bool) bool {
	if pred == nil {
		return true
	}
	matched := false
	_ = item.Value(func(val []byte) error {
		e, err := deserialize(val)
		if err == nil {
			matched = pred(e)
		}
		return nil
	})
	return matched
}

// deleteMatching deletes those keys that still satisfy pred, retrying on
// transaction conflicts. A batch that still conflicts after the retries was
// being rewritten concurrently and is left for the next sweep.
func (s *Store) deleteMatching(ctx context.Context, op string, keys [][]byte, pred func(memory.Entry) bool) (int, error) {
	var deleted int
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return 0, err
		}
		err = s.withDB(op, func(db *badger.DB) error {
			return db.Update(func(txn *badger.Txn) error {
				deleted = 0
				for _, k := range keys {
					item, err := txn.Get(k)
					if errors.Is(err, badger.ErrKeyNotFound) {
						continue
					}
					if err != nil {
						return err
					}
					if !matchItem(item, pred) {
						continue
					}
					if err := txn.Delete(k); err != nil {
						return err
					}
					deleted++
				}
				return nil
			})
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if errors.Is(err, badger.ErrConflict) {
		s.logger.Debug("sweep batch skipped after conflicts", "backend", Backend, "op", op, "keys", len(keys))
		return 0, nil
	}
	if err != nil {
		return 0, memory.NewStorageError(Backend, "delete", err)
	}
	return deleted, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("delete"); err != nil {
		return false, err
	}
	deleted := false
	err := s.withDB("delete", func(db *badger.DB) error {
		return db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(entryKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			deleted = true
			return txn.Delete(entryKey(key))
		})
	})
	if err != nil {
		return false, memory.NewStorageError(Backend, "delete", err)
	}
	return deleted, nil
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("exists"); err != nil {
		return false, err
	}
	var e *memory.Entry
	err := s.withDB("exists", func(db *badger.DB) error {
		return db.View(func(txn *badger.Txn) error {
			var err error
			e, err = getInTxn(txn, key)
			return err
		})
	})
	if err != nil {
		return false, memory.NewStorageError(Backend, "get", err)
	}
	return e != nil && !e.IsExpired(s.now()), nil
}

// Clear removes every entry, or only those in scope.
func (s *Store) Clear(ctx context.Context, scope *memory.Scope) (int, error) {
	if err := s.lc.Check("clear"); err != nil {
		return 0, err
	}
	var pred func(memory.Entry) bool
	if scope != nil {
		pred = func(e memory.Entry) bool { return e.Scope == *scope }
	}
	return s.sweep(ctx, "clear", pred)
}

// CleanupExpired removes logically expired entries that Badger has not yet
// dropped by TTL.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.lc.Check("cleanup_expired"); err != nil {
		return 0, err
	}
	now := s.now()
	n, err := s.sweep(ctx, "cleanup_expired", func(e memory.Entry) bool { return e.IsExpired(now) })
	if n > 0 {
		s.logger.Debug("expired entries removed", "backend", Backend, "count", n)
	}
	return n, err
}
