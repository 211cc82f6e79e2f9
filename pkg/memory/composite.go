package memory

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CompositeBackend is the backend name reported by CompositeStore.
const CompositeBackend = "composite"

var errNoBackends = errors.New("no backends configured")

// CompositeStore fans operations out over an ordered list of stores. The first
// store is the primary: its failures fail the call. The others are secondaries
// that receive best-effort copies of writes and deletes; their failures are
// logged and never returned.
type CompositeStore struct {
	lc   *Lifecycle
	opts options

	mu     sync.RWMutex
	stores []Store
}

// NewCompositeStore creates a composite over stores, primary first.
func NewCompositeStore(stores []Store, opts ...Option) *CompositeStore {
	o := newOptions(opts)
	return &CompositeStore{
		lc:     NewLifecycle(CompositeBackend, o.logger),
		opts:   o,
		stores: append([]Store(nil), stores...),
	}
}

// Name returns the backend name.
func (c *CompositeStore) Name() string { return CompositeBackend }

// Stores returns a snapshot of the backends, primary first.
func (c *CompositeStore) Stores() []Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Store(nil), c.stores...)
}

// Primary returns the primary backend, or nil when the composite is empty.
func (c *CompositeStore) Primary() Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.stores) == 0 {
		return nil
	}
	return c.stores[0]
}

// AddStore appends a secondary. Adding a store already present is a no-op.
// When the composite is initialized the new store is initialized first.
func (c *CompositeStore) AddStore(ctx context.Context, store Store) error {
	if c.contains(store) {
		return nil
	}
	if c.lc.Initialized() {
		if err := store.Initialize(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.stores {
		if existing == store {
			return nil
		}
	}
	c.stores = append(c.stores, store)
	c.opts.logger.Info("store added to composite", "backend", store.Name(), "position", len(c.stores)-1)
	return nil
}

func (c *CompositeStore) contains(store Store) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, existing := range c.stores {
		if existing == store {
			return true
		}
	}
	return false
}

// Initialize initializes every backend in order and stops at the first failure.
// Backends initialized before the failure are left as they are.
func (c *CompositeStore) Initialize(ctx context.Context) error {
	return c.lc.Start(ctx, func(ctx context.Context) error {
		for _, s := range c.Stores() {
			if err := s.Initialize(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup tears down every backend, joining failures into one *CleanupError.
func (c *CompositeStore) Cleanup(ctx context.Context) error {
	return c.lc.Stop(ctx, func(ctx context.Context) error {
		var errs []error
		for _, s := range c.Stores() {
			if err := s.Cleanup(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return &CleanupError{Backend: CompositeBackend, Cause: errors.Join(errs...)}
		}
		return nil
	})
}

// Store writes to the primary, then to each secondary.
func (c *CompositeStore) Store(ctx context.Context, entry Entry) (Entry, error) {
	primary, secondaries, err := c.split("store")
	if err != nil {
		return Entry{}, err
	}
	stored, err := primary.Store(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	c.fanOut(ctx, secondaries, "store", entry.Key, func(ctx context.Context, s Store) error {
		_, err := s.Store(ctx, stored)
		return err
	})
	return stored, nil
}

// Retrieve streams the primary's results, then each secondary's. Only a
// failure to open the primary stream is returned; later failures are logged
// and the failing backend is skipped. Results are not deduplicated.
func (c *CompositeStore) Retrieve(ctx context.Context, query Query) (*Stream, error) {
	primary, secondaries, err := c.split("retrieve")
	if err != nil {
		return nil, err
	}
	if _, err := query.Normalize(); err != nil {
		return nil, err
	}
	first, err := primary.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	return NewStream(ctx, func(ctx context.Context, emit func(SearchResult) bool) error {
		if !c.drain(first, primary, false, emit) {
			return nil
		}
		for _, s := range secondaries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stream, err := s.Retrieve(ctx, query)
			if err != nil {
				c.secondaryFailed(s, "retrieve", "", err)
				continue
			}
			if !c.drain(stream, s, true, emit) {
				return nil
			}
		}
		return nil
	}), nil
}

// drain forwards stream into emit and reports whether the consumer wants more.
func (c *CompositeStore) drain(stream *Stream, from Store, secondary bool, emit func(SearchResult) bool) bool {
	defer stream.Close()
	for stream.Next() {
		if !emit(stream.Result()) {
			return false
		}
	}
	if err := stream.Err(); err != nil {
		c.opts.logger.Warn("composite retrieve: backend stream failed", "backend", from.Name(), "error", err)
		if secondary {
			c.opts.recorder.RecordSecondaryFailure(from.Name(), "retrieve")
		}
	}
	return true
}

// Delete removes key from the primary, then from each secondary. The result
// reflects the primary only.
func (c *CompositeStore) Delete(ctx context.Context, key string) (bool, error) {
	primary, secondaries, err := c.split("delete")
	if err != nil {
		return false, err
	}
	deleted, err := primary.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	c.fanOut(ctx, secondaries, "delete", key, func(ctx context.Context, s Store) error {
		_, err := s.Delete(ctx, key)
		return err
	})
	return deleted, nil
}

// Exists consults the primary only.
func (c *CompositeStore) Exists(ctx context.Context, key string) (bool, error) {
	primary, _, err := c.split("exists")
	if err != nil {
		return false, err
	}
	return primary.Exists(ctx, key)
}

// Clear clears the primary and returns its count. Secondaries are swept only
// when WithSecondarySweep is set.
func (c *CompositeStore) Clear(ctx context.Context, scope *Scope) (int, error) {
	primary, secondaries, err := c.split("clear")
	if err != nil {
		return 0, err
	}
	n, err := primary.Clear(ctx, scope)
	if err != nil {
		return 0, err
	}
	if c.opts.sweepAll {
		c.fanOut(ctx, secondaries, "clear", "", func(ctx context.Context, s Store) error {
			_, err := s.Clear(ctx, scope)
			return err
		})
	}
	return n, nil
}

// CleanupExpired sweeps the primary and returns its count. Secondaries are
// swept only when WithSecondarySweep is set.
func (c *CompositeStore) CleanupExpired(ctx context.Context) (int, error) {
	primary, secondaries, err := c.split("cleanup_expired")
	if err != nil {
		return 0, err
	}
	n, err := primary.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	if c.opts.sweepAll {
		c.fanOut(ctx, secondaries, "cleanup_expired", "", func(ctx context.Context, s Store) error {
			_, err := s.CleanupExpired(ctx)
			return err
		})
	}
	return n, nil
}

func (c *CompositeStore) split(op string) (Store, []Store, error) {
	if err := c.lc.Check(op); err != nil {
		return nil, nil, err
	}
	stores := c.Stores()
	if len(stores) == 0 {
		return nil, nil, &StorageError{Backend: CompositeBackend, Op: op, Cause: errNoBackends}
	}
	return stores[0], stores[1:], nil
}

// fanOut runs fn against every secondary. Failures are logged and swallowed.
func (c *CompositeStore) fanOut(ctx context.Context, secondaries []Store, op, key string, fn func(context.Context, Store) error) {
	if len(secondaries) == 0 {
		return
	}
	if c.opts.concurrency <= 1 {
		for _, s := range secondaries {
			if err := fn(ctx, s); err != nil {
				c.secondaryFailed(s, op, key, err)
			}
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(c.opts.concurrency)
	for _, s := range secondaries {
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				c.secondaryFailed(s, op, key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *CompositeStore) secondaryFailed(s Store, op, key string, err error) {
	c.opts.logger.Warn("secondary store operation failed",
		"backend", s.Name(),
		"op", op,
		"key", key,
		"error", err,
	)
	c.opts.recorder.RecordSecondaryFailure(s.Name(), op)
}
