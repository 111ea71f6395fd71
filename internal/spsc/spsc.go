// Package spsc provides the bounded queues that carry command slots between
// the executor and its record goroutine.
package spsc

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("spsc: queue closed")

// Queue is a bounded FIFO. Push blocks while the queue is full and Pop
// blocks while it is empty. It is safe for any number of goroutines, but is
// used with one producer and one consumer per direction.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Push appends v, blocking while the queue is full.
func (q *Queue[T]) Push(v T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Pop removes the oldest item, blocking until one is available.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		var zero T
		return zero, ErrClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryPop removes the oldest item if one is queued.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Process calls fn for every item until ctx is cancelled or the queue is
// closed. preWait, if non-nil, runs each time the queue drains, right
// before Process blocks for the next item.
func (q *Queue[T]) Process(ctx context.Context, fn func(T), preWait func()) error {
	for {
		select {
		case v := <-q.ch:
			fn(v)
			continue
		default:
		}
		if preWait != nil {
			preWait()
		}
		select {
		case v := <-q.ch:
			fn(v)
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Close wakes every blocked caller with ErrClosed. Queued items are dropped.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
