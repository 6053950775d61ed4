package channel

import (
	"sync"
	"sync/atomic"
)

// Latest never refuses a value: when full it evicts the oldest queued value
// to make room, so a slow receiver always catches up to the newest samples.
type Latest[T any] struct {
	mu      sync.Mutex
	ch      chan T
	evicted atomic.Uint64
}

// NewLatest returns a Latest holding up to size values, at least one.
func NewLatest[T any](size int) *Latest[T] {
	if size < 1 {
		size = 1
	}
	return &Latest[T]{ch: make(chan T, size)}
}

// Send is TrySend; it never blocks.
func (q *Latest[T]) Send(v T) { q.TrySend(v) }

// TrySend always queues v and returns true.
func (q *Latest[T]) TrySend(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- v:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.evicted.Add(1)
		default:
		}
	}
}

// Evicted returns how many values were pushed out unread.
func (q *Latest[T]) Evicted() uint64 { return q.evicted.Load() }

func (q *Latest[T]) Receive() <-chan T { return q.ch }
func (q *Latest[T]) Len() int          { return len(q.ch) }
func (q *Latest[T]) Cap() int          { return cap(q.ch) }

func (q *Latest[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.ch)
}
