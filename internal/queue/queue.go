// Package queue provides the unbounded, terminable FIFO used to decouple the
// notification pipeline's producers from its consumers. Push never blocks;
// Pop blocks until an item arrives, the context ends, or the queue is
// terminated. Termination is permanent and wakes every current and future
// waiter.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTerminated is returned by Pop and PopAll once Terminate has been called.
// Termination takes precedence over queued items: a terminated queue never
// hands out data again.
var ErrTerminated = errors.New("queue terminated")

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
// The zero value is not usable; construct with New.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	wake chan struct{}
	done chan struct{}
	term sync.Once
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push appends an item. It never blocks and reports false if the queue has
// been terminated, in which case the item is dropped.
func (q *Queue[T]) Push(v T) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return true
}

// Pop blocks until an item is available, the context is done, or the queue is
// terminated.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-q.done:
			return zero, ErrTerminated
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return v, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
			return zero, ErrTerminated
		case <-q.wake:
		}
	}
}

// PopAll blocks until at least one item is queued, then drains and returns
// every item currently queued, preserving order. If maxWait elapses first it
// returns an empty batch and a nil error so the caller can re-evaluate its
// own liveness conditions. Termination yields ErrTerminated.
func (q *Queue[T]) PopAll(ctx context.Context, maxWait time.Duration) ([]T, error) {
	var deadline <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-q.done:
			return nil, ErrTerminated
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			return batch, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrTerminated
		case <-deadline:
			return nil, nil
		case <-q.wake:
		}
	}
}

// Terminate permanently closes the queue, waking all blocked waiters. It is
// idempotent and safe to call concurrently with Push and Pop.
func (q *Queue[T]) Terminate() {
	q.term.Do(func() { close(q.done) })
}

// Done returns a channel closed when the queue is terminated.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Terminated reports whether Terminate has been called.
func (q *Queue[T]) Terminated() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items. Intended for tests and metrics.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
