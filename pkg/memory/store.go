package memory

import (
	"context"
)

// Store is the contract every memory backend satisfies.
//
// Initialize must succeed before any other call; both Initialize and Cleanup
// are idempotent. Retrieve returns a lazy Stream that callers consume once and
// Close; issuing Retrieve again re-runs the scan.
type Store interface {
	// Name identifies the backend in logs, metrics and errors.
	Name() string

	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error

	// Store inserts or overwrites the entry under entry.Key and returns what was stored.
	Store(ctx context.Context, entry Entry) (Entry, error)

	Retrieve(ctx context.Context, query Query) (*Stream, error)

	// Delete reports false without error when the key does not exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports false for missing and expired keys.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes every entry, or only those in scope when scope is non-nil.
	Clear(ctx context.Context, scope *Scope) (int, error)

	// CleanupExpired removes entries whose expiry has passed.
	CleanupExpired(ctx context.Context) (int, error)
}

// Logger is the minimal logger used by stores.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

// ValidateKey rejects empty keys.
func ValidateKey(key string) error {
	if key == "" {
		return &KeyError{Reason: "key must not be empty"}
	}
	return nil
}
