// Package memory provides the scoped key-value memory layer used by agent
// components: the entry and query model, the Store contract every backend
// satisfies, the reference in-process backend, and the composite store that
// fans operations out across a primary and best-effort secondaries.
package memory

import (
	"time"
)

// Type classifies how long an entry is expected to live. It is informational:
// storage mechanics never enforce it, callers filter on it.
type Type string

const (
	ShortTerm  Type = "short_term"
	MediumTerm Type = "medium_term"
	LongTerm   Type = "long_term"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case ShortTerm, MediumTerm, LongTerm:
		return true
	}
	return false
}

// Scope is the logical partition an entry belongs to.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeGlobal  Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeSession, ScopeAgent, ScopeGlobal:
		return true
	}
	return false
}

// Ptr returns a pointer to s, convenient for Clear.
func (s Scope) Ptr() *Scope {
	return &s
}

// ParseScope parses a scope name. The empty string parses to nil (all scopes).
func ParseScope(s string) (*Scope, error) {
	if s == "" {
		return nil, nil
	}
	scope := Scope(s)
	if !scope.Valid() {
		return nil, &QueryError{Field: "scope", Reason: "unknown scope " + s}
	}
	return &scope, nil
}

// IndexType tags an entry or query with the index it is meant for. Reference
// backends carry it through without using it.
type IndexType string

const (
	IndexSemantic   IndexType = "semantic"
	IndexTemporal   IndexType = "temporal"
	IndexSpatial    IndexType = "spatial"
	IndexCausal     IndexType = "causal"
	IndexContextual IndexType = "contextual"
)

// Valid reports whether i is a known index type.
func (i IndexType) Valid() bool {
	switch i {
	case IndexSemantic, IndexTemporal, IndexSpatial, IndexCausal, IndexContextual:
		return true
	}
	return false
}

// Entry is a single stored key/value record.
type Entry struct {
	// Key is the unique, non-empty identifier.
	Key string `json:"key"`

	// Value is the application-defined payload.
	Value map[string]any `json:"value"`

	Type  Type  `json:"type"`
	Scope Scope `json:"scope"`

	// Metadata is copied on every read and write; callers never share it with a store.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is nil for entries that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Indices is reserved for index-specific storage.
	Indices []IndexType `json:"indices,omitempty"`
}

// EntryOption configures an Entry built by NewEntry.
type EntryOption func(*Entry)

// WithType sets the entry type.
func WithType(t Type) EntryOption {
	return func(e *Entry) { e.Type = t }
}

// WithScope sets the entry scope.
func WithScope(s Scope) EntryOption {
	return func(e *Entry) { e.Scope = s }
}

// WithMetadata attaches a copy of md.
func WithMetadata(md map[string]any) EntryOption {
	return func(e *Entry) { e.Metadata = cloneMap(md) }
}

// WithTTL expires the entry ttl after construction.
func WithTTL(ttl time.Duration) EntryOption {
	return func(e *Entry) {
		at := e.CreatedAt.Add(ttl)
		e.ExpiresAt = &at
	}
}

// WithExpiresAt sets an absolute expiry.
func WithExpiresAt(at time.Time) EntryOption {
	return func(e *Entry) { e.ExpiresAt = &at }
}

// WithIndices tags the entry with index types.
func WithIndices(indices ...IndexType) EntryOption {
	return func(e *Entry) { e.Indices = append([]IndexType(nil), indices...) }
}

// NewEntry builds an entry with ShortTerm type and Session scope unless
// overridden. An empty key is rejected with a *KeyError.
func NewEntry(key string, value map[string]any, opts ...EntryOption) (Entry, error) {
	if key == "" {
		return Entry{}, &KeyError{Reason: "key must not be empty"}
	}
	now := time.Now().UTC()
	e := Entry{
		Key:       key,
		Value:     cloneMap(value),
		Type:      ShortTerm,
		Scope:     ScopeSession,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// IsExpired reports whether the entry has an expiry strictly before now.
func (e Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	c := e
	c.Value = cloneMap(e.Value)
	c.Metadata = cloneMap(e.Metadata)
	if e.ExpiresAt != nil {
		at := *e.ExpiresAt
		c.ExpiresAt = &at
	}
	if e.Indices != nil {
		c.Indices = append([]IndexType(nil), e.Indices...)
	}
	return c
}

// withDefaults fills the classification fields a caller left empty.
func (e Entry) withDefaults() Entry {
	if e.Type == "" {
		e.Type = ShortTerm
	}
	if e.Scope == "" {
		e.Scope = ScopeSession
	}
	return e
}

// Stamp prepares e for a write at now. previous is the entry currently stored
// under the same key, if any: its CreatedAt survives the overwrite. Backends
// call Stamp so every one of them applies the same timestamp policy.
func Stamp(e Entry, previous *Entry, now time.Time) Entry {
	e = e.Clone().withDefaults()
	switch {
	case previous != nil && !previous.CreatedAt.IsZero():
		e.CreatedAt = previous.CreatedAt
	case e.CreatedAt.IsZero():
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return e
}
