package memory

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// Producer generates the results of one Retrieve call. It must call emit for
// each result and stop as soon as emit returns false. Resources it acquires
// (cursors, iterators, transactions) must be released before it returns.
type Producer func(ctx context.Context, emit func(SearchResult) bool) error

// Stream is a lazy, single-use sequence of search results. Results are
// computed by a producer goroutine only as the consumer asks for them.
//
// Close must be called once the caller is done, even after an early exit; it
// cancels the producer and waits until the producer has released everything.
type Stream struct {
	items  chan SearchResult
	done   chan struct{}
	cancel context.CancelFunc

	// prodErr is written by the producer before items is closed.
	prodErr error

	cur       SearchResult
	err       error
	closed    bool
	closeOnce sync.Once
}

// NewStream starts produce in its own goroutine bound to ctx.
func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		items:  make(chan SearchResult),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		emit := func(r SearchResult) bool {
			select {
			case s.items <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.prodErr = err
		close(s.items)
	}()
	return s
}

// EmptyStream returns a stream that yields nothing.
func EmptyStream() *Stream {
	return SliceStream(context.Background(), nil)
}

// SliceStream streams a precomputed slice.
func SliceStream(ctx context.Context, results []SearchResult) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit func(SearchResult) bool) error {
		for _, r := range results {
			if !emit(r) {
				return nil
			}
		}
		return nil
	})
}

// Next advances to the next result. It returns false when the stream is
// exhausted, failed, or closed.
func (s *Stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	r, ok := <-s.items
	if !ok {
		s.err = s.prodErr
		return false
	}
	s.cur = r
	return true
}

// Result returns the result Next advanced to.
func (s *Stream) Result() SearchResult {
	return s.cur
}

// Err returns the error that ended the stream, if any. Cancellation caused by
// Close is not reported.
func (s *Stream) Err() error {
	if s.closed && errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Close stops the producer and waits for it to release its resources.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		s.cancel()
		<-s.done
		if s.err == nil {
			s.err = s.prodErr
		}
	})
	return nil
}

// All exposes the stream as a range-over-func sequence. A failure is yielded
// as a final (zero, err) pair. The stream is closed when iteration ends.
func (s *Stream) All() iter.Seq2[SearchResult, error] {
	return func(yield func(SearchResult, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Result(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(SearchResult{}, err)
		}
	}
}

// Collect drains the stream into a slice and closes it.
func (s *Stream) Collect() ([]SearchResult, error) {
	defer s.Close()
	var out []SearchResult
	for s.Next() {
		out = append(out, s.Result())
	}
	return out, s.Err()
}
