package coru

import (
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

// readyQueue is a lock-free multi-producer multi-consumer FIFO of coroutines.
// theory -> https://www.cs.rochester.edu/u/scott/papers/1996_PODC_queues.pdf
// pseudocode -> https://www.cs.rochester.edu/research/synchronization/pseudocode/queues.html
//
// Nodes are garbage collected rather than pooled; reclamation through a pool
// would reintroduce the ABA hazard the collector otherwise rules out.
type readyQueue struct {
	head atomic.Pointer[qnode]
	tail atomic.Pointer[qnode]
	size uatomic.Int64
}

type qnode struct {
	next atomic.Pointer[qnode]
	co   *Task
}

func newReadyQueue() *readyQueue {
	q := new(readyQueue)
	n := new(qnode)
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// enqueue inserts a coroutine at the tail of the queue.
func (q *readyQueue) enqueue(co *Task) {
	n := &qnode{co: co}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail == q.tail.Load() { // are tail and next consistent?
			if next == nil {
				if tail.next.CompareAndSwap(next, n) {
					q.tail.CompareAndSwap(tail, n) // enqueue is done, try to swing tail to the inserted node
					q.size.Inc()
					return
				}
			} else { // tail was not pointing to the last node
				q.tail.CompareAndSwap(tail, next)
			}
		}
	}
}

// dequeue removes and returns the coroutine at the head of the queue.
// It returns nil if the queue is empty.
func (q *readyQueue) dequeue() *Task {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head == q.head.Load() { // are head, tail, and next consistent?
			if head == tail { // is queue empty or tail falling behind?
				if next == nil {
					return nil
				}
				// tail is falling behind, try to advance it
				q.tail.CompareAndSwap(tail, next)
			} else {
				// read value before the CAS, otherwise another dequeue
				// might free the next node
				co := next.co
				if q.head.CompareAndSwap(head, next) {
					q.size.Dec()
					next.co = nil
					return co
				}
			}
		}
	}
}

// length is a point-in-time size estimate, used by the idle/deadlock checks
// and the stats collector.
func (q *readyQueue) length() int64 {
	return q.size.Load()
}
