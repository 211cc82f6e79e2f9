package memory

import (
	"container/list"
	"context"
	"sync"
)

// InMemoryBackend is the backend name reported by InMemoryStore.
const InMemoryBackend = "inmemory"

// InMemoryStore is the in-process Store. Entries are kept in insertion order;
// overwriting a key keeps its position.
type InMemoryStore struct {
	lc   *Lifecycle
	opts options

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

// NewInMemoryStore creates an uninitialized in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := newOptions(opts)
	return &InMemoryStore{
		lc:    NewLifecycle(InMemoryBackend, o.logger),
		opts:  o,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Name returns the backend name.
func (s *InMemoryStore) Name() string { return InMemoryBackend }

// Initialize marks the store ready.
func (s *InMemoryStore) Initialize(ctx context.Context) error {
	return s.lc.Start(ctx, nil)
}

// Cleanup drops every entry and marks the store uninitialized.
func (s *InMemoryStore) Cleanup(ctx context.Context) error {
	return s.lc.Stop(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.order.Init()
		s.items = make(map[string]*list.Element)
		return nil
	})
}

// Store inserts or overwrites entry.
func (s *InMemoryStore) Store(ctx context.Context, entry Entry) (Entry, error) {
	if err := s.lc.Check("store"); err != nil {
		return Entry{}, err
	}
	if err := ValidateKey(entry.Key); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.clock()
	if el, ok := s.items[entry.Key]; ok {
		prev := el.Value.(Entry)
		stored := Stamp(entry, &prev, now)
		el.Value = stored
		return stored.Clone(), nil
	}
	stored := Stamp(entry, nil, now)
	s.items[entry.Key] = s.order.PushBack(stored)
	return stored.Clone(), nil
}

// Retrieve streams matching entries in insertion order.
func (s *InMemoryStore) Retrieve(ctx context.Context, query Query) (*Stream, error) {
	if err := s.lc.Check("retrieve"); err != nil {
		return nil, err
	}
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}

	return NewStream(ctx, func(ctx context.Context, emit func(SearchResult) bool) error {
		keys := q.DirectKeys()
		if keys == nil {
			keys = s.snapshotKeys()
		}
		w := NewWindow(q)
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok := s.get(key)
			if !ok {
				continue
			}
			res, ok := Match(e, q, s.opts.clock())
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

// Delete removes key.
func (s *InMemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("delete"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false, nil
	}
	s.order.Remove(el)
	delete(s.items, key)
	return true, nil
}

// Exists reports whether key is present and not expired.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("exists"); err != nil {
		return false, err
	}
	e, ok := s.get(key)
	return ok && !e.IsExpired(s.opts.clock()), nil
}

// Clear removes every entry, or those in scope.
func (s *InMemoryStore) Clear(ctx context.Context, scope *Scope) (int, error) {
	if err := s.lc.Check("clear"); err != nil {
		return 0, err
	}
	return s.removeWhere(func(e Entry) bool {
		return scope == nil || e.Scope == *scope
	}), nil
}

// CleanupExpired removes entries whose expiry has passed.
func (s *InMemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.lc.Check("cleanup_expired"); err != nil {
		return 0, err
	}
	now := s.opts.clock()
	n := s.removeWhere(func(e Entry) bool { return e.IsExpired(now) })
	if n > 0 {
		s.opts.logger.Debug("expired entries removed", "backend", InMemoryBackend, "count", n)
	}
	return n, nil
}

// Len returns the number of entries held, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *InMemoryStore) snapshotKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(Entry).Key)
	}
	return keys
}

func (s *InMemoryStore) get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(Entry).Clone(), true
}

func (s *InMemoryStore) removeWhere(pred func(Entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(Entry)
		if pred(e) {
			s.order.Remove(el)
			delete(s.items, e.Key)
			n++
		}
		el = next
	}
	return n
}
