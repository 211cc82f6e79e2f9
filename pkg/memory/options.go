package memory

import "time"

// Option configures the stores built by this package.
type Option func(*options)

type options struct {
	logger      Logger
	clock       func() time.Time
	recorder    Recorder
	concurrency int
	sweepAll    bool
}

func newOptions(opts []Option) options {
	o := options{
		logger:   NopLogger(),
		clock:    func() time.Time { return time.Now().UTC() },
		recorder: NopRecorder(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithRecorder reports swallowed composite secondary failures.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithConcurrentSecondaries fans composite writes out to at most n secondaries
// at once. n <= 1 keeps the sequential order.
func WithConcurrentSecondaries(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithSecondarySweep makes composite Clear and CleanupExpired also sweep the
// secondaries, best-effort. Counts still come from the primary.
func WithSecondarySweep(enabled bool) Option {
	return func(o *options) { o.sweepAll = enabled }
}
