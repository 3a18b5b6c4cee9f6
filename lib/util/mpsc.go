package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is one link of the queue's singly linked list.
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is an unbounded lock-free multi-producer single-consumer queue.
//
// Producers append with Push from any goroutine. A single internal goroutine
// moves items to the channel returned by Recv, so exactly one consumer should
// read from it. Items pushed by one producer are delivered in push order;
// items from different producers interleave in the order their appends
// succeeded.
type MPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	done   sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a queue and starts its delivery goroutine.
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &mpscNode[T]{}
	q := &MPSC[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.deliver()
	return q
}

// Push appends value. It returns false once the queue is closed.
//
// Thread-safety: safe for concurrent use.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer linked a node but has not advanced tail yet
			q.tail.CompareAndSwap(tail, next)
		} else if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.mu.Lock()
			q.cond.Signal()
			q.mu.Unlock()
			return true
		}

		// spin a little under contention, then yield
		if spins < 8 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// deliver moves linked items to the out channel until the queue is closed
// and empty.
func (q *MPSC[T]) deliver() {
	defer q.done.Done()
	defer close(q.out)

	var zero T
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
			next.value = zero
		}

		if !delivered {
			if q.closed.Load() {
				return
			}
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel items are delivered on. It is closed after Close
// once every pending item was delivered.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close rejects further pushes. Items already queued are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called.
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len counts queued items that have not reached the out channel yet.
// It walks the list and is meant for diagnostics.
func (q *MPSC[T]) Len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
