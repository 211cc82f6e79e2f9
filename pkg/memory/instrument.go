package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const storeTracerName = "memlayer.store"

func storeTracer() trace.Tracer {
	return otel.Tracer(storeTracerName)
}

// Recorder receives store metrics. pkg/metrics.Manager implements it.
type Recorder interface {
	RecordOperation(backend, op, status string, duration time.Duration)
	RecordExpired(backend string, count int)
	RecordSecondaryFailure(backend, op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, string, time.Duration) {}
func (nopRecorder) RecordExpired(string, int)                             {}
func (nopRecorder) RecordSecondaryFailure(string, string)                 {}

// NopRecorder returns a Recorder that drops everything.
func NopRecorder() Recorder { return nopRecorder{} }

// InstrumentedStore decorates a Store with metrics and tracing.
type InstrumentedStore struct {
	next     Store
	recorder Recorder
	tracer   trace.Tracer
}

// Instrument wraps store so every operation is timed, counted and traced.
func Instrument(store Store, recorder Recorder) *InstrumentedStore {
	if recorder == nil {
		recorder = NopRecorder()
	}
	return &InstrumentedStore{next: store, recorder: recorder, tracer: storeTracer()}
}

// Unwrap returns the decorated store.
func (s *InstrumentedStore) Unwrap() Store { return s.next }

func (s *InstrumentedStore) Name() string { return s.next.Name() }

func (s *InstrumentedStore) Initialize(ctx context.Context) error {
	ctx, done := s.begin(ctx, "initialize", "")
	err := s.next.Initialize(ctx)
	done(err)
	return err
}

func (s *InstrumentedStore) Cleanup(ctx context.Context) error {
	ctx, done := s.begin(ctx, "cleanup", "")
	err := s.next.Cleanup(ctx)
	done(err)
	return err
}

func (s *InstrumentedStore) Store(ctx context.Context, entry Entry) (Entry, error) {
	ctx, done := s.begin(ctx, "store", entry.Key)
	stored, err := s.next.Store(ctx, entry)
	done(err)
	return stored, err
}

// Retrieve times the call that opens the stream, not its consumption.
func (s *InstrumentedStore) Retrieve(ctx context.Context, query Query) (*Stream, error) {
	ctx, done := s.begin(ctx, "retrieve", query.Key)
	stream, err := s.next.Retrieve(ctx, query)
	done(err)
	return stream, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, done := s.begin(ctx, "delete", key)
	ok, err := s.next.Delete(ctx, key)
	done(err)
	return ok, err
}

func (s *InstrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, done := s.begin(ctx, "exists", key)
	ok, err := s.next.Exists(ctx, key)
	done(err)
	return ok, err
}

func (s *InstrumentedStore) Clear(ctx context.Context, scope *Scope) (int, error) {
	ctx, done := s.begin(ctx, "clear", "")
	n, err := s.next.Clear(ctx, scope)
	done(err)
	return n, err
}

// CleanupExpired also reports the number of entries removed.
func (s *InstrumentedStore) CleanupExpired(ctx context.Context) (int, error) {
	ctx, done := s.begin(ctx, "cleanup_expired", "")
	n, err := s.next.CleanupExpired(ctx)
	done(err)
	if n > 0 {
		s.recorder.RecordExpired(s.next.Name(), n)
	}
	return n, err
}

func (s *InstrumentedStore) begin(ctx context.Context, op, key string) (context.Context, func(error)) {
	backend := s.next.Name()
	attrs := []attribute.KeyValue{
		attribute.String("memory.backend", backend),
		attribute.String("memory.op", op),
	}
	if key != "" {
		attrs = append(attrs, attribute.String("memory.key", key))
	}
	ctx, span := s.tracer.Start(ctx, "memory."+op, trace.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(err error) {
		status := "success"
		if err != nil {
			status = Kind(err).String()
			if status == KindUnknown.String() {
				status = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.recorder.RecordOperation(backend, op, status, time.Since(start))
		span.End()
	}
}
