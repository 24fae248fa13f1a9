package broker

import (
	"context"
	"sync"

	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// Queue is an unbounded multi-producer, single-consumer FIFO. Push never
// blocks; a slow consumer accumulates a backlog instead of applying
// backpressure to producers.
type Queue[T any] struct {
	signal chan struct{}
	items  []T
	mu     sync.Mutex
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It fails with ErrBrokerClosed after Close.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.ErrBrokerClosed
	}
	q.items = append(q.items, v)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest item, waiting until one is available. Items pushed
// before Close are still delivered; after that Pop returns ErrBrokerClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, errors.ErrBrokerClosed
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the current backlog.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items and wakes the consumer.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
