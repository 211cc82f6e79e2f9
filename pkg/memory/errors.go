package memory

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Every typed error below matches exactly one of them with errors.Is.
var (
	ErrNotInitialized = errors.New("memory: store not initialized")
	ErrKey            = errors.New("memory: key error")
	ErrType           = errors.New("memory: type error")
	ErrQuery          = errors.New("memory: query error")
	ErrStorage        = errors.New("memory: storage error")
	ErrInit           = errors.New("memory: initialization error")
	ErrCleanup        = errors.New("memory: cleanup error")
)

// ErrorKind classifies an error returned by a Store.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotInitialized
	KindKey
	KindType
	KindQuery
	KindStorage
	KindInit
	KindCleanup
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNotInitialized:
		return "not_initialized"
	case KindKey:
		return "key"
	case KindType:
		return "type"
	case KindQuery:
		return "query"
	case KindStorage:
		return "storage"
	case KindInit:
		return "init"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Kind returns the kind of err, or KindUnknown.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, ErrKey):
		return KindKey
	case errors.Is(err, ErrType):
		return KindType
	case errors.Is(err, ErrQuery):
		return KindQuery
	case errors.Is(err, ErrInit):
		return KindInit
	case errors.Is(err, ErrCleanup):
		return KindCleanup
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindUnknown
	}
}

// NotInitializedError is returned by any operation issued before Initialize.
type NotInitializedError struct {
	Backend string
	Op      string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("memory: %s: %s called before Initialize", e.Backend, e.Op)
}

func (e *NotInitializedError) Is(target error) bool { return target == ErrNotInitialized }

// KeyError reports an empty key on write or a missing key on a lookup that
// requires existence.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("memory: key error: %s", e.Reason)
	}
	return fmt.Sprintf("memory: key %q: %s", e.Key, e.Reason)
}

func (e *KeyError) Is(target error) bool { return target == ErrKey }

// TypeError reports a type-constrained lookup that found an entry of another type.
type TypeError struct {
	Key  string
	Want Type
	Got  Type
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("memory: key %q has type %s, want %s", e.Key, e.Got, e.Want)
}

func (e *TypeError) Is(target error) bool { return target == ErrType }

// QueryError reports an invalid query.
type QueryError struct {
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("memory: invalid query %s: %s", e.Field, e.Reason)
}

func (e *QueryError) Is(target error) bool { return target == ErrQuery }

// StorageError wraps a backend I/O or serialization failure.
type StorageError struct {
	Backend string
	Op      string
	Cause   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory: %s: %s failed: %v", e.Backend, e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InitError wraps a failure while starting a backend.
type InitError struct {
	Backend string
	Cause   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("memory: %s: initialize: %v", e.Backend, e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

func (e *InitError) Is(target error) bool { return target == ErrInit }

// CleanupError wraps a failure while tearing a backend down.
type CleanupError struct {
	Backend string
	Cause   error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("memory: %s: cleanup: %v", e.Backend, e.Cause)
}

func (e *CleanupError) Unwrap() error { return e.Cause }

func (e *CleanupError) Is(target error) bool { return target == ErrCleanup }

// NewStorageError wraps cause unless it already is a memory error or a context error.
func NewStorageError(backend, op string, cause error) error {
	if cause == nil {
		return nil
	}
	if Kind(cause) != KindUnknown ||
		errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return &StorageError{Backend: backend, Op: op, Cause: cause}
}
