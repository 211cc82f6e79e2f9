// Package sweeper runs CleanupExpired on every registered store on a cron
// schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 1m"

// Recorder receives sweep outcomes. *metrics.Manager implements it.
type Recorder interface {
	RecordSweep(success bool, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordSweep(bool, time.Duration) {}

// Config configures a Sweeper.
type Config struct {
	// Schedule is a standard cron expression or a descriptor such as "@every 1m".
	Schedule string

	// Timeout bounds one sweep. Zero means no bound beyond the caller's context.
	Timeout time.Duration

	// Concurrency caps how many stores are swept at once. Zero sweeps all at once.
	Concurrency int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the sweeper logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRecorder sets where sweep outcomes are reported.
func WithRecorder(r Recorder) Option {
	return func(s *Sweeper) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Result is the outcome of one sweep.
type Result struct {
	// Removed holds the number of expired entries removed per store.
	Removed map[string]int

	// Err joins the failures of individual stores.
	Err error
}

// Total returns the number of entries removed across all stores.
func (r Result) Total() int {
	total := 0
	for _, n := range r.Removed {
		total += n
	}
	return total
}

// Sweeper periodically removes expired entries from every store in a registry.
type Sweeper struct {
	registry *memory.Registry
	cfg      Config
	log      logger.Logger
	recorder Recorder

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a Sweeper over registry. The schedule is validated up front.
func New(registry *memory.Registry, cfg Config, opts ...Option) (*Sweeper, error) {
	if registry == nil {
		return nil, errors.New("sweeper: registry is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}

	s := &Sweeper{
		registry: registry,
		cfg:      cfg,
		log:      logger.Component("sweeper"),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules sweeps until Stop is called or ctx is cancelled. A sweep
// still running when the next one is due causes that one to be skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper: already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := s.cron.AddFunc(s.cfg.Schedule, s.tick)
	if err != nil {
		s.cancel()
		return fmt.Errorf("sweeper: schedule %q: %w", s.cfg.Schedule, err)
	}
	s.entry = id
	s.cron.Start()
	s.running = true

	s.log.Info("sweeper started", "schedule", s.cfg.Schedule, "stores", s.registry.Names())
	return nil
}

// Reschedule replaces the schedule. It applies immediately when running.
func (s *Sweeper) Reschedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule == s.cfg.Schedule {
		return nil
	}
	s.cfg.Schedule = schedule
	if !s.running {
		return nil
	}

	id, err := s.cron.AddFunc(schedule, s.tick)
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", schedule, err)
	}
	s.cron.Remove(s.entry)
	s.entry = id
	s.log.Info("sweeper rescheduled", "schedule", schedule)
	return nil
}

// Schedule returns the current schedule.
func (s *Sweeper) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Schedule
}

// Running reports whether sweeps are scheduled.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop cancels scheduling and waits for an in-flight sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		s.log.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	res := s.RunOnce(ctx)
	if res.Err != nil {
		s.log.Warn("sweep finished with errors", "removed", res.Total(), "error", res.Err)
		return
	}
	if n := res.Total(); n > 0 {
		s.log.Info("sweep removed expired entries", "removed", n, "per_store", res.Removed)
	} else {
		s.log.Debug("sweep found nothing to remove")
	}
}

// RunOnce sweeps every registered store and returns the per-store counts.
// A failing store does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	names := s.registry.Names()

	var (
		mu      sync.Mutex
		removed = make(map[string]int, len(names))
		errs    []error
	)

	var g errgroup.Group
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for _, name := range names {
		store, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			n, err := store.CleanupExpired(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return nil
			}
			removed[name] = n
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Removed: removed, Err: errors.Join(errs...)}
	s.recorder.RecordSweep(res.Err == nil, time.Since(start))
	return res
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
