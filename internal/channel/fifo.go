package channel

// FIFO queues up to a fixed number of values and refuses new ones when full.
type FIFO[T any] struct {
	ch chan T
}

// NewFIFO returns a FIFO holding up to size values. A size of zero gives a
// rendezvous queue where TrySend only succeeds against a waiting receiver.
func NewFIFO[T any](size int) *FIFO[T] {
	if size < 0 {
		size = 0
	}
	return &FIFO[T]{ch: make(chan T, size)}
}

func (q *FIFO[T]) Send(v T) { q.ch <- v }

func (q *FIFO[T]) TrySend(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

func (q *FIFO[T]) Receive() <-chan T { return q.ch }
func (q *FIFO[T]) Len() int          { return len(q.ch) }
func (q *FIFO[T]) Cap() int          { return cap(q.ch) }
func (q *FIFO[T]) Close()            { close(q.ch) }
