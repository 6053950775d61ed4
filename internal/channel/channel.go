// Package channel provides the per-subscriber queues used by the telemetry bus.
package channel

// Queue is a typed FIFO with a receive side that ends when the queue is closed.
type Queue[T any] interface {
	// Send blocks until the value is queued.
	Send(T)
	// TrySend queues without blocking and reports whether the value was taken.
	TrySend(T) bool
	Receive() <-chan T
	Len() int
	Cap() int
	Close()
}
