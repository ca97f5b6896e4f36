// Package queue provides the fixed-capacity single-producer/single-consumer
// buffer sitting between each source reader and the merger.
package queue

import (
	"sync"
	"sync/atomic"
)

// Bounded is a FIFO ring with capacity fixed at construction. Push never
// blocks: when full, the oldest unread item is evicted and the drop counter
// increments, so the producer (a device-reading loop) is never delayed and
// no loss goes unaccounted. One producer, one consumer.
type Bounded[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	count   int
	dropped atomic.Uint64

	// notify wakes a consumer parked on Ready; capacity 1 is enough for
	// SPSC since the consumer re-checks the ring after every wake.
	notify chan struct{}
}

// NewBounded creates a queue holding at most capacity items.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bounded[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v, evicting the oldest item when full. Returns false when an
// eviction happened.
func (q *Bounded[T]) Push(v T) bool {
	ok := true
	q.mu.Lock()
	if q.count == len(q.buf) {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped.Add(1)
		ok = false
	}
	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return ok
}

// TryPop removes and returns the oldest item without waiting.
func (q *Bounded[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.count == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// Ready returns the channel pulsed on every Push. The consumer parks on it
// instead of polling; a pulse may coalesce several pushes, so every wake is
// followed by TryPop until empty.
func (q *Bounded[T]) Ready() <-chan struct{} { return q.notify }

// Len returns the number of buffered items.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Bounded[T]) Cap() int { return len(q.buf) }

// Dropped returns the monotonic count of evicted items. The merger reads
// this every drain cycle to surface loss as gap flags.
func (q *Bounded[T]) Dropped() uint64 { return q.dropped.Load() }
