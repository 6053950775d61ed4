//go:build debug

package channel

// New ignores size in debug builds. FIFO queues become rendezvous queues so
// ordering problems between publisher and subscriber surface early.
func New[T any](size int, keepLatest bool) Queue[T] {
	if keepLatest {
		return NewLatest[T](1)
	}
	return NewFIFO[T](0)
}
