// Package queue provides an unbounded multi-producer, multi-consumer FIFO.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item is
// available, the context ends, or the queue is closed and empty.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends an item. It reports false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.notify()
	return true
}

// Pop removes the oldest item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			// wake another consumer while work is left
			if remaining > 0 {
				q.notify()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			q.notify()
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
