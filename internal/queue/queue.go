// Package queue provides a restartable producer/consumer queue.
//
// Unlike stream.Stream, a Queue survives consumer failures: the consumer
// loop is expected to catch and log per-item errors and keep dequeuing.
// Only Close ends the loop, and Reset makes the queue usable again.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO safe for concurrent producers and one consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // closed and replaced whenever state changes
}

// New creates an empty, open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{})}
}

// Enqueue appends v. It never blocks. On a closed queue the value is
// dropped and false is returned; callers must stop enqueuing.
func (q *Queue[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.broadcastLocked()
	return true
}

// Dequeue returns the next value, waiting while the queue is empty. It
// returns ErrClosed when the queue is closed and drained, or ctx.Err().
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting values. Already queued values are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Reset drops all queued values and re-opens the queue.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.closed = false
	q.broadcastLocked()
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called since the last Reset.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}
