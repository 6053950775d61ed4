// Package queue provides a thread-safe FIFO used as a bounded history log.
package queue

import (
	"sync"
)

// Queue is a generic thread-safe queue. A positive limit turns it into a
// ring: pushing past the limit evicts the oldest items.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	limit   int
	evicted int
}

// New creates a new empty, unbounded queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
	}
}

// NewBounded creates a queue that keeps at most limit items.
func NewBounded[T any](limit int) *Queue[T] {
	q := New[T]()
	if limit > 0 {
		q.limit = limit
	}
	return q
}

// Push appends items to the queue, evicting from the front when bounded.
func (q *Queue[T]) Push(items ...T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.limit > 0 && len(q.items) > q.limit {
		drop := len(q.items) - q.limit
		q.evicted += drop
		q.items = append(q.items[:0:0], q.items[drop:]...)
	}
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evicted returns how many items a bounded queue has discarded.
func (q *Queue[T]) Evicted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Snapshot returns a copy of the items without removing them.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Filter returns a copy of the items matching keep, oldest first.
func (q *Queue[T]) Filter(keep func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []T
	for _, it := range q.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// GetAndEmpty returns all items and clears the queue. The eviction count is kept.
func (q *Queue[T]) GetAndEmpty() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]T, 0, cap(q.items))
	return result
}
