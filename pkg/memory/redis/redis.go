// Package redis implements memory.Store on top of Redis. Every entry is a JSON
// document under "{prefix}:{key}" with a native TTL derived from its expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goclaw/memlayer/pkg/memory"
)

// Backend is the backend name reported by Store.
const Backend = "redis"

// Config holds configuration for a Redis-backed store.
type Config struct {
	// Prefix namespaces every key. Keys are written as "{Prefix}:{key}".
	Prefix string

	// ScanCount is the COUNT hint passed to SCAN.
	ScanCount int64

	// ExpiryGrace is added to the native TTL so that CleanupExpired can still
	// observe and count logically expired entries. Zero selects the default;
	// a negative value disables the grace period.
	ExpiryGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:      "memlayer",
		ScanCount:   100,
		ExpiryGrace: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.ScanCount <= 0 {
		c.ScanCount = d.ScanCount
	}
	switch {
	case c.ExpiryGrace == 0:
		c.ExpiryGrace = d.ExpiryGrace
	case c.ExpiryGrace < 0:
		c.ExpiryGrace = 0
	}
	return c
}

// Store is a Redis-backed memory.Store.
type Store struct {
	client goredis.Cmdable
	closer io.Closer
	cfg    Config
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

// New creates a store over an existing client. The caller keeps ownership of
// the client; Cleanup does not close it.
func New(client goredis.Cmdable, cfg Config, opts ...Option) *Store {
	s := &Store{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: memory.NopLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lc = memory.NewLifecycle(Backend, s.logger)
	return s
}

// Open creates a client from options and a store that owns it.
func Open(redisOpts *goredis.Options, cfg Config, opts ...Option) *Store {
	client := goredis.NewClient(redisOpts)
	s := New(client, cfg, opts...)
	s.closer = client
	return s
}

// Name returns the backend name.
func (s *Store) Name() string { return Backend }

// Initialize checks that the server answers PING.
func (s *Store) Initialize(ctx context.Context) error {
	return s.lc.Start(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Cleanup closes the client when the store owns it.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.lc.Stop(ctx, func(context.Context) error {
		if s.closer != nil {
			return s.closer.Close()
		}
		return nil
	})
}

func (s *Store) key(k string) string {
	return s.cfg.Prefix + ":" + k
}

func (s *Store) pattern() string {
	return s.cfg.Prefix + ":*"
}

// Store writes entry, keeping the CreatedAt of any entry it replaces.
func (s *Store) Store(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	if err := s.lc.Check("store"); err != nil {
		return memory.Entry{}, err
	}
	if err := memory.ValidateKey(entry.Key); err != nil {
		return memory.Entry{}, err
	}

	prev, err := s.get(ctx, entry.Key)
	if err != nil {
		return memory.Entry{}, err
	}

	now := s.now()
	stored := memory.Stamp(entry, prev, now)
	data, err := json.Marshal(stored)
	if err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "encode", err)
	}

	if err := s.client.Set(ctx, s.key(entry.Key), data, s.ttl(stored, now)).Err(); err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "set", err)
	}
	return stored, nil
}

// ttl returns the native expiration for e, zero meaning none.
func (s *Store) ttl(e memory.Entry, now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	ttl += s.cfg.ExpiryGrace
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// get returns the stored entry for key, or nil when absent.
func (s *Store) get(ctx context.Context, key string) (*memory.Entry, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, memory.NewStorageError(Backend, "get", err)
	}
	var e memory.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, memory.NewStorageError(Backend, "decode", err)
	}
	return &e, nil
}

// Retrieve streams matching entries. Direct lookups use MGET; everything else
// walks the keyspace with SCAN.
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
		visit := func(records []record) bool {
			now := s.now()
			for _, r := range records {
				res, ok := memory.Match(r.entry, q, now)
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
			records, err := s.mget(ctx, s.prefixed(keys))
			if err != nil {
				return err
			}
			visit(records)
			return nil
		}

		return s.scan(ctx, func(keys []string) (bool, error) {
			records, err := s.mget(ctx, keys)
			if err != nil {
				return false, err
			}
			return visit(records), nil
		})
	}), nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("delete"); err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, memory.NewStorageError(Backend, "del", err)
	}
	return n > 0, nil
}

// Exists reports whether key is present and not logically expired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("exists"); err != nil {
		return false, err
	}
	e, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	return e != nil && !e.IsExpired(s.now()), nil
}

// Clear removes every entry under the prefix, or only those in scope.
func (s *Store) Clear(ctx context.Context, scope *memory.Scope) (int, error) {
	if err := s.lc.Check("clear"); err != nil {
		return 0, err
	}
	if scope == nil {
		return s.removeWhere(ctx, nil)
	}
	return s.removeWhere(ctx, func(e memory.Entry) bool { return e.Scope == *scope })
}

// CleanupExpired removes entries whose expiry has passed but whose native TTL
// has not fired yet.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.lc.Check("cleanup_expired"); err != nil {
		return 0, err
	}
	now := s.now()
	n, err := s.removeWhere(ctx, func(e memory.Entry) bool { return e.IsExpired(now) })
	if n > 0 {
		s.logger.Debug("expired entries removed", "backend", Backend, "count", n)
	}
	return n, err
}

// deleteUnchanged deletes KEYS[1] only while it still holds ARGV[1], and
// returns the number of keys deleted.
var deleteUnchanged = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// removeWhere deletes the keys whose entry satisfies pred; a nil pred matches
// all. With a pred, each key is deleted only if it still holds the document
// pred was evaluated on, so an entry rewritten during the sweep is kept.
func (s *Store) removeWhere(ctx context.Context, pred func(memory.Entry) bool) (int, error) {
	removed := 0
	err := s.scan(ctx, func(keys []string) (bool, error) {
		if pred == nil {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return false, memory.NewStorageError(Backend, "del", err)
			}
			removed += int(n)
			return true, nil
		}

		records, err := s.mget(ctx, keys)
		if err != nil {
			return false, err
		}
		for _, r := range records {
			if !pred(r.entry) {
				continue
			}
			n, err := deleteUnchanged.Run(ctx, s.client, []string{r.key}, r.raw).Int64()
			if err != nil {
				return false, memory.NewStorageError(Backend, "del", err)
			}
			removed += int(n)
		}
		return true, nil
	})
	return removed, err
}

// scan calls fn with each batch of keys under the prefix until fn returns false.
func (s *Store) scan(ctx context.Context, fn func(keys []string) (bool, error)) error {
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := s.client.Scan(ctx, cursor, s.pattern(), s.cfg.ScanCount).Result()
		if err != nil {
			return memory.NewStorageError(Backend, "scan", err)
		}
		if len(keys) > 0 {
			more, err := fn(keys)
			if err != nil || !more {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// record is an entry decoded from MGET together with its Redis key and the
// raw document it was decoded from.
type record struct {
	key   string
	raw   string
	entry memory.Entry
}

// mget loads the given Redis keys. Missing and undecodable values are skipped.
func (s *Store) mget(ctx context.Context, redisKeys []string) ([]record, error) {
	if len(redisKeys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, memory.NewStorageError(Backend, "mget", err)
	}
	records := make([]record, 0, len(values))
	for i, v := range values {
		var raw string
		switch val := v.(type) {
		case string:
			raw = val
		case []byte:
			raw = string(val)
		default:
			continue
		}
		var e memory.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Warn("skipping undecodable entry", "backend", Backend, "key", redisKeys[i], "error", err)
			continue
		}
		records = append(records, record{key: redisKeys[i], raw: raw, entry: e})
	}
	return records, nil
}

func (s *Store) prefixed(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.key(k)
	}
	return out
}
