package memory

import (
	"context"
	"sync"
)

// Lifecycle tracks whether a backend is initialized. Backends embed it to get
// the same idempotent Initialize/Cleanup behavior and NotInitialized checks.
type Lifecycle struct {
	mu          sync.RWMutex
	name        string
	initialized bool
	logger      Logger
}

// NewLifecycle returns a Lifecycle for the named backend.
func NewLifecycle(name string, logger Logger) *Lifecycle {
	if logger == nil {
		logger = NopLogger()
	}
	return &Lifecycle{name: name, logger: logger}
}

// Start runs open unless the backend is already initialized. Failures are
// wrapped in *InitError and leave the backend uninitialized.
func (l *Lifecycle) Start(ctx context.Context, open func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		l.logger.Debug("store already initialized", "backend", l.name)
		return nil
	}
	if open != nil {
		if err := open(ctx); err != nil {
			if Kind(err) == KindInit {
				return err
			}
			return &InitError{Backend: l.name, Cause: err}
		}
	}
	l.initialized = true
	l.logger.Info("store initialized", "backend", l.name)
	return nil
}

// Stop runs release if the backend is initialized and marks it uninitialized.
// The backend is marked uninitialized even when release fails.
func (l *Lifecycle) Stop(ctx context.Context, release func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		l.logger.Debug("store not initialized, nothing to clean up", "backend", l.name)
		return nil
	}
	l.initialized = false
	if release != nil {
		if err := release(ctx); err != nil {
			if Kind(err) == KindCleanup {
				return err
			}
			return &CleanupError{Backend: l.name, Cause: err}
		}
	}
	l.logger.Info("store cleaned up", "backend", l.name)
	return nil
}

// Check returns a *NotInitializedError for op unless the backend is initialized.
func (l *Lifecycle) Check(op string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.initialized {
		return &NotInitializedError{Backend: l.name, Op: op}
	}
	return nil
}

// Initialized reports the current state.
func (l *Lifecycle) Initialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialized
}
