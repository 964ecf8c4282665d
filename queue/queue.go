// Package queue implements the kernel's bounded FIFO message queue (spec.md
// §4.4). Senders block while the queue is full; receivers block while it is
// empty. A receiver already waiting is handed a sent value directly,
// bypassing the ring entirely, so items never wait in the buffer while a
// receiver is parked for one — the same direct-handoff shape as
// sem.Semaphore.Give, generalized here to carry a value across the
// rendezvous instead of just a count.
//
// The ring itself is internal/ringbuf.Buffer, grounded on the teacher's
// catrate.ringBuffer; this package only adds the blocking protocol around
// it.
package queue

import (
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
	"github.com/joeycumines/go-rtkernel/internal/ringbuf"
	"github.com/joeycumines/go-rtkernel/kernel"
)

// RunLoopHandle is the minimal run-loop surface a queue needs in order to
// notify its owner when an item becomes available (spec.md §4.4: "if a
// run-loop is bound, post a notification to that run-loop"), without
// importing the runloop package (which sits above queue in the dependency
// order). Satisfied by *runloop.RunLoop.
type RunLoopHandle interface {
	Name() string
	Wake()
}

// Queue is a bounded FIFO of values of type T.
type Queue[T any] struct {
	k    *kernel.Kernel
	name string

	buf *ringbuf.Buffer[T]

	waitSend *klist.List[*kernel.Thread]
	waitRecv *klist.List[*kernel.Thread]

	runLoop RunLoopHandle
}

// New creates an empty queue with the given capacity. Panics if capacity <=
// 0 (a programmer error, same as ringbuf.New).
func New[T any](k *kernel.Kernel, name string, capacity int) *Queue[T] {
	return &Queue[T]{
		k:        k,
		name:     name,
		buf:      ringbuf.New[T](capacity),
		waitSend: klist.New[*kernel.Thread](nil),
		waitRecv: klist.New[*kernel.Thread](nil),
	}
}

// Name returns the queue's name.
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of items currently buffered (not counting values
// already handed off to a waiting receiver).
func (q *Queue[T]) Len() int {
	q.k.Lock()
	defer q.k.Unlock()
	return q.buf.Len()
}

// LenLocked is Len for callers (namely runloop.RunLoop's "does this queue
// have live data" check) that already hold the kernel lock.
func (q *Queue[T]) LenLocked() int { return q.buf.Len() }

// Associate binds the queue to a run-loop (spec.md §4.7's add-queue: "An
// object may be bound to at most one run-loop at a time"). Returns
// StatusInvalidState if already bound.
func (q *Queue[T]) Associate(rl RunLoopHandle) kernel.Status {
	q.k.Lock()
	defer q.k.Unlock()
	if q.runLoop != nil {
		return kernel.StatusInvalidState
	}
	q.runLoop = rl
	return kernel.StatusSuccess
}

// Send enqueues v, blocking self for up to timeout if the queue is full.
// Returns StatusQueueFull if timeout is NoWait and the queue has no room.
func (q *Queue[T]) Send(self *kernel.Thread, v T, timeout time.Duration) kernel.Status {
	q.k.Lock()
	if recv, ok := q.k.Unblock(q.waitRecv, kernel.StatusSuccess); ok {
		recv.SetScratch(v)
		q.k.Unlock()
		q.k.SettleAfterUnlock(self)
		return kernel.StatusSuccess
	}
	if !q.buf.Full() {
		q.buf.PushBack(v)
		rl := q.runLoop
		q.k.Unlock()
		if rl != nil {
			rl.Wake()
		}
		return kernel.StatusSuccess
	}
	if timeout == kernel.NoWait {
		q.k.Unlock()
		return kernel.StatusQueueFull
	}
	self.SetScratch(v)
	status := q.k.Block(self, q.waitSend, timeout)
	if status == kernel.StatusTimeout {
		return kernel.StatusQueueFull
	}
	return status
}

// Receive dequeues the oldest value, blocking self for up to timeout if the
// queue is empty. Returns StatusQueueEmpty if timeout is NoWait and nothing
// is available.
func (q *Queue[T]) Receive(self *kernel.Thread, timeout time.Duration) (T, kernel.Status) {
	q.k.Lock()
	if v, ok := q.buf.PopFront(); ok {
		if sender, ok2 := q.k.Unblock(q.waitSend, kernel.StatusSuccess); ok2 {
			sv, _ := sender.Scratch().(T)
			q.buf.PushBack(sv)
		}
		q.k.Unlock()
		q.k.SettleAfterUnlock(self)
		return v, kernel.StatusSuccess
	}
	if timeout == kernel.NoWait {
		q.k.Unlock()
		var zero T
		return zero, kernel.StatusQueueEmpty
	}
	status := q.k.Block(self, q.waitRecv, timeout)
	if status == kernel.StatusTimeout {
		var zero T
		return zero, kernel.StatusQueueEmpty
	}
	v, _ := self.Scratch().(T)
	return v, status
}

// Delete unblocks every sender and receiver waiting on q with
// StatusObjectDeleted (spec.md §8's testable scenario 6). Buffered values
// are left as-is; q itself is not freed.
func (q *Queue[T]) Delete() kernel.Status {
	q.k.Lock()
	var woken bool
	for {
		if _, ok := q.k.Unblock(q.waitSend, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	for {
		if _, ok := q.k.Unblock(q.waitRecv, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	q.k.Unlock()
	if woken {
		// Delete takes no self parameter; see kernel.SettleAfterUnlock's doc
		// for why that means nil, not q.k.CurrentThread().
		q.k.SettleAfterUnlock(nil)
	}
	return kernel.StatusSuccess
}
