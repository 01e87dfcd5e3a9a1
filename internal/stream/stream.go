// Package stream provides a single-use producer/consumer pipe.
//
// A Stream carries values from one producer to exactly one consumer. The
// producer calls Enqueue any number of times and then Done or Error once.
// The consumer obtains an Iterator with Iter, which succeeds only the first
// time it is called.
//
// Delivery:
//
//	consumer blocked in Next  -> Enqueue hands the value over directly
//	no consumer waiting       -> Enqueue appends to the queue for the next pull
//
// After Done, pulls drain the queue and then return io.EOF. After Error, the
// stored error is returned by the next pull and every pull after it.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrAlreadyIterated is returned by Iter on every call after the first.
var ErrAlreadyIterated = errors.New("stream can only be iterated once: collect the values into a slice on the first pass if they need to be replayed")

// Stream is a one-shot async pipe. The zero value is not usable; use New or FromSlice.
type Stream[T any] struct {
	mu       sync.Mutex
	queue    []T
	recv     chan T        // set while the consumer is blocked in Next
	wake     chan struct{} // closed on termination to release a blocked consumer
	done     bool
	err      error
	iterated bool
	cleanup  func()
	cleaned  bool
}

// New creates an empty stream. cleanup, if non-nil, runs once when the
// consumer stops early through Iterator.Return.
func New[T any](cleanup func()) *Stream[T] {
	return &Stream[T]{cleanup: cleanup}
}

// FromSlice returns a stream pre-filled with values and already marked done.
func FromSlice[T any](values []T) *Stream[T] {
	s := &Stream[T]{queue: make([]T, len(values)), done: true}
	copy(s.queue, values)
	return s
}

// Enqueue delivers v to the consumer. Values enqueued after Done or Error are dropped.
func (s *Stream[T]) Enqueue(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return
	}
	if s.recv != nil {
		s.recv <- v
		s.recv = nil
		s.wake = nil
		return
	}
	s.queue = append(s.queue, v)
}

// Done marks the end of the stream. Only the first terminal call has effect.
func (s *Stream[T]) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return
	}
	s.done = true
	s.releaseLocked()
}

// Error terminates the stream with err. Only the first terminal call has effect.
func (s *Stream[T]) Error(err error) {
	if err == nil {
		s.Done()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.err != nil {
		return
	}
	s.err = err
	s.queue = nil
	s.releaseLocked()
}

// Terminated reports whether Done or Error has been called.
func (s *Stream[T]) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done || s.err != nil
}

// Err returns the error the stream was terminated with, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of values queued but not yet pulled.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Stream[T]) releaseLocked() {
	if s.wake != nil {
		close(s.wake)
		s.wake = nil
		s.recv = nil
	}
}

// Iter returns the stream's only iterator. Every later call fails with ErrAlreadyIterated.
func (s *Stream[T]) Iter() (*Iterator[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.iterated {
		return nil, ErrAlreadyIterated
	}
	s.iterated = true
	return &Iterator[T]{s: s}, nil
}

// Iterator is the consumer side of a Stream. It is not safe for concurrent use.
type Iterator[T any] struct {
	s *Stream[T]
}

// Next returns the next value. It returns io.EOF once the stream is done and
// drained, the stream's error after Error, or ctx.Err() if ctx ends first.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	s := it.s

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return zero, err
		}
		if s.done {
			s.mu.Unlock()
			return zero, io.EOF
		}

		recv := make(chan T, 1)
		wake := make(chan struct{})
		s.recv = recv
		s.wake = wake
		s.mu.Unlock()

		select {
		case v := <-recv:
			return v, nil
		case <-wake:
			// A value may have been handed over just before termination.
			select {
			case v := <-recv:
				return v, nil
			default:
			}
		case <-ctx.Done():
			s.mu.Lock()
			if s.recv == recv {
				s.recv = nil
				s.wake = nil
			} else {
				select {
				case v := <-recv:
					s.queue = append([]T{v}, s.queue...)
				default:
				}
			}
			s.mu.Unlock()
			return zero, ctx.Err()
		}
	}
}

// Return stops consumption early: the stream is marked done, queued values
// are discarded, and the producer-side cleanup callback runs once.
func (it *Iterator[T]) Return() {
	s := it.s

	s.mu.Lock()
	if s.err == nil {
		s.done = true
	}
	s.queue = nil
	s.releaseLocked()
	cleanup := s.cleanup
	run := cleanup != nil && !s.cleaned
	s.cleaned = true
	s.mu.Unlock()

	if run {
		cleanup()
	}
}

// Collect drains it into a slice. A clean end (io.EOF) is not an error.
func Collect[T any](ctx context.Context, it *Iterator[T]) ([]T, error) {
	var out []T
	for {
		v, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
