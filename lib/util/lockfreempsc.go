// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// In drange the queue carries heartbeat schedule requests from replicas
// (leader-change callbacks, heartbeat reschedules) into the node's single
// timer goroutine, so producers running on raft or RPC goroutines never block
// on the timer loop.
//
// Properties:
//
//   - Lock-free Push: producers append with CAS on the tail node
//   - Unbounded: limited only by available memory
//   - Single consumer: values are handed out on the Recv() channel
//   - No strict FIFO across producers: concurrent pushes are ordered by
//     whichever CAS wins first
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single element of the linked list
type mpscNode[T any] struct {
	value *T
	next  atomic.Pointer[mpscNode[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue
type LockFreeMPSC[T any] struct {
	head     atomic.Pointer[mpscNode[T]]
	tail     atomic.Pointer[mpscNode[T]]
	out      chan *T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// the consumer parks on cond while the list is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &LockFreeMPSC[T]{out: make(chan *T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.deliver()

	return q
}

// Push appends value to the queue. It returns false for nil values and after Close.
//
// Thread-safety: Push may be called from any number of goroutines.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed swing is fine, another producer already helped
				q.tail.CompareAndSwap(tail, n)
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves values from the list to the out channel until the queue is closed and drained
func (q *LockFreeMPSC[T]) deliver() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = nil
		}

		if !delivered && q.closed.Load() {
			return
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the single consumer reads from.
// The channel is closed once the queue is closed and every pushed value was delivered.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close stops accepting new values. Values already queued are still delivered.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}
