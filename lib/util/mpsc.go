package util

import "sync/atomic"

// --------------------------------------------------------------------------
// Lock-free MPSC queue
// --------------------------------------------------------------------------

// mpscNode is one element of the intrusive push stack. next is written
// before the node is published and only read after the consumer detached
// the stack, so it needs no atomics of its own.
type mpscNode[T any] struct {
	value *T
	next  *mpscNode[T]
}

// MPSCQueue is a lock-free multi-producer single-consumer queue built on a
// Treiber stack: producers CAS nodes onto an atomic head, and the consumer
// detaches the whole stack with one swap, reversing it into push order.
// The hazel store uses it to hand completed asynchronous device reads back
// to the session that issued them: any number of I/O goroutines may Push
// concurrently, while only the owning session drains.
//
// There is no consumer goroutine and no per-item handoff; the consumer
// collects items in batches via Drain and parks on a doorbell channel
// between batches. Ordering across concurrent producers follows CAS
// completion order, not Push call order.
type MPSCQueue[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	closed atomic.Bool

	// doorbell wakes a parked consumer; capacity one, so producers never
	// block ringing it
	doorbell chan struct{}
}

// NewMPSCQueue creates an empty queue.
func NewMPSCQueue[T any]() *MPSCQueue[T] {
	return &MPSCQueue[T]{
		doorbell: make(chan struct{}, 1),
	}
}

// Push adds an item to the queue and rings the doorbell. Returns false if
// the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSCQueue[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}
	n := &mpscNode[T]{value: value}
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			break
		}
	}
	q.ring()
	return true
}

// Drain detaches everything pushed so far and returns it in push order.
// Returns nil when the queue is momentarily empty.
//
// Thread-safety: Must only be called by the single consumer.
func (q *MPSCQueue[T]) Drain() []*T {
	top := q.head.Swap(nil)
	if top == nil {
		return nil
	}
	var out []*T
	for n := top; n != nil; n = n.next {
		out = append(out, n.value)
		n.value = nil
	}
	// the detached stack is newest-first; restore push order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Wait parks the consumer until a producer rang the doorbell or the queue
// was closed. Spurious wakes are possible; callers drain in a loop.
//
// Thread-safety: Must only be called by the single consumer.
func (q *MPSCQueue[T]) Wait() {
	<-q.doorbell
}

// Close closes the queue for writes and wakes a parked consumer. Items
// already pushed remain drainable.
func (q *MPSCQueue[T]) Close() {
	q.closed.Store(true)
	q.ring()
}

// IsClosed returns true if the queue is closed.
func (q *MPSCQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// ring sets the doorbell without ever blocking the producer.
func (q *MPSCQueue[T]) ring() {
	select {
	case q.doorbell <- struct{}{}:
	default:
	}
}
