//go:build !debug

package channel

// New returns the queue for a subscriber: a FIFO of size, or a Latest of size
// when keepLatest is set.
func New[T any](size int, keepLatest bool) Queue[T] {
	if keepLatest {
		return NewLatest[T](size)
	}
	return NewFIFO[T](size)
}
