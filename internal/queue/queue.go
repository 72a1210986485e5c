// Package queue provides the FIFO used for stage input queues and frame hold
// queues: a mutex-guarded slice plus a broadcast channel that is closed and
// replaced on every push or wake-up, so waiters can block with a timeout.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Sentinel errors returned by Pop.
var (
	ErrTimeout = errors.New("queue: pop timed out")
	ErrWoken   = errors.New("queue: woken without item")
	ErrClosed  = errors.New("queue: closed")
)

// Queue is an unbounded FIFO safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	signal  chan struct{}
	wakeGen uint64
	closed  bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{})}
}

// broadcast must be called with mu held.
func (q *Queue[T]) broadcast() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Push appends v and wakes waiters.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.broadcast()
	return nil
}

// PushBounded appends v, then pops from the head while the queue holds more
// than limit items. Evicted items are returned oldest first.
func (q *Queue[T]) PushBounded(v T, limit int) ([]T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.items = append(q.items, v)

	var evicted []T
	for len(q.items) > limit {
		evicted = append(evicted, q.popLocked())
	}
	q.broadcast()
	return evicted, nil
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}

// TryPop removes the head without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Pop removes the head, waiting up to timeout for one to arrive.
// A zero timeout waits until ctx ends. Wake makes a waiting Pop return
// ErrWoken so the caller can re-check its own flags.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	q.mu.Lock()
	gen := q.wakeGen
	for {
		if len(q.items) > 0 {
			v := q.popLocked()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		if q.wakeGen != gen {
			q.mu.Unlock()
			return zero, ErrWoken
		}
		sig := q.signal
		q.mu.Unlock()

		select {
		case <-sig:
		case <-timerC:
			return zero, ErrTimeout
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		q.mu.Lock()
	}
}

// Wake releases every waiter blocked in Pop.
func (q *Queue[T]) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wakeGen++
	q.broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued item, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Snapshot returns a copy of the queued items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Close rejects further pushes and releases waiters. Queued items stay
// available to TryPop and Drain.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}
