package memory

import (
	"context"
)

// Search runs a free-text query. Unlike Retrieve it rejects empty query text.
// Whitespace is matched like any other text, so a blank query is accepted.
func Search(ctx context.Context, store Store, query Query) (*Stream, error) {
	if query.QueryText == "" {
		return nil, &QueryError{Field: "query_text", Reason: "must not be empty"}
	}
	return store.Retrieve(ctx, query)
}

// Lookup fetches a single entry that must exist. A missing or expired key
// yields a *KeyError; when want is non-nil an entry of another type yields a
// *TypeError.
func Lookup(ctx context.Context, store Store, key string, want *Type) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	stream, err := store.Retrieve(ctx, Query{Key: key, Limit: 1})
	if err != nil {
		return Entry{}, err
	}
	results, err := stream.Collect()
	if err != nil {
		return Entry{}, err
	}
	if len(results) == 0 {
		return Entry{}, &KeyError{Key: key, Reason: "not found"}
	}
	entry := results[0].Entry
	if want != nil && entry.Type != *want {
		return Entry{}, &TypeError{Key: key, Want: *want, Got: entry.Type}
	}
	return entry, nil
}
