// Package rtchan implements the kernel's rendezvous channel (spec.md §4.5):
// unlike queue.Queue, it has no buffer at all — Send only completes once a
// Receive is there to take the value, and vice versa. Grounded on the
// teacher's longpoll.Channel, which has the same "pair a waiting reader with
// an arriving writer, or park whichever side shows up first" shape, adapted
// from Go channels + context.Context to the kernel's own Block/Unblock baton
// protocol so a rendezvous composes with priority-based preemption and
// bounded timeouts the way longpoll's context-based cancellation does not
// need to.
package rtchan

import (
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
	"github.com/joeycumines/go-rtkernel/kernel"
)

// RunLoopHandle is the minimal run-loop surface a channel needs in order to
// notify its owner when a sender parks waiting for a receiver (spec.md
// §4.7: "the receiving run-loop is notified instead of a blocked thread"),
// without importing the runloop package (which sits above rtchan in the
// dependency order). Satisfied by *runloop.RunLoop.
type RunLoopHandle interface {
	Name() string
	Wake()
}

// Channel is an unbuffered rendezvous point for values of type T.
type Channel[T any] struct {
	k    *kernel.Kernel
	name string

	waitSend *klist.List[*kernel.Thread]
	waitRecv *klist.List[*kernel.Thread]

	runLoop RunLoopHandle
}

// New creates a named rendezvous channel.
func New[T any](k *kernel.Kernel, name string) *Channel[T] {
	return &Channel[T]{
		k:        k,
		name:     name,
		waitSend: klist.New[*kernel.Thread](nil),
		waitRecv: klist.New[*kernel.Thread](nil),
	}
}

// Name returns the channel's name.
func (c *Channel[T]) Name() string { return c.name }

// PendingSend reports whether a sender is currently parked waiting for a
// receiver (used by runloop.RunLoop to decide whether an associated channel
// has "live data" to dispatch this iteration).
func (c *Channel[T]) PendingSend() bool {
	c.k.Lock()
	defer c.k.Unlock()
	return c.PendingSendLocked()
}

// PendingSendLocked is PendingSend for callers that already hold the kernel
// lock.
func (c *Channel[T]) PendingSendLocked() bool { return c.waitSend.Len() > 0 }

// Associate binds the channel to a run-loop (spec.md §4.7's add-channel).
// Returns StatusInvalidState if already bound.
func (c *Channel[T]) Associate(rl RunLoopHandle) kernel.Status {
	c.k.Lock()
	defer c.k.Unlock()
	if c.runLoop != nil {
		return kernel.StatusInvalidState
	}
	c.runLoop = rl
	return kernel.StatusSuccess
}

// Send hands v to a waiting receiver, blocking self for up to timeout until
// one arrives. Returns StatusTimeout if none does.
func (c *Channel[T]) Send(self *kernel.Thread, v T, timeout time.Duration) kernel.Status {
	c.k.Lock()
	if recv, ok := c.k.Unblock(c.waitRecv, kernel.StatusSuccess); ok {
		recv.SetScratch(v)
		c.k.Unlock()
		c.k.SettleAfterUnlock(self)
		return kernel.StatusSuccess
	}
	if timeout == kernel.NoWait {
		c.k.Unlock()
		return kernel.StatusTimeout
	}
	self.SetScratch(v)
	rl := c.runLoop
	return c.k.BlockNotify(self, c.waitSend, timeout, func() {
		if rl != nil {
			rl.Wake()
		}
	})
}

// Receive takes a value from a waiting sender, blocking self for up to
// timeout until one arrives. Returns StatusTimeout if none does.
func (c *Channel[T]) Receive(self *kernel.Thread, timeout time.Duration) (T, kernel.Status) {
	c.k.Lock()
	if sender, ok := c.k.Unblock(c.waitSend, kernel.StatusSuccess); ok {
		v, _ := sender.Scratch().(T)
		c.k.Unlock()
		c.k.SettleAfterUnlock(self)
		return v, kernel.StatusSuccess
	}
	if timeout == kernel.NoWait {
		c.k.Unlock()
		var zero T
		return zero, kernel.StatusTimeout
	}
	status := c.k.Block(self, c.waitRecv, timeout)
	if status != kernel.StatusSuccess {
		var zero T
		return zero, status
	}
	v, _ := self.Scratch().(T)
	return v, kernel.StatusSuccess
}

// Delete unblocks every sender and receiver waiting on c with
// StatusObjectDeleted (spec.md §8's testable scenario 6).
func (c *Channel[T]) Delete() kernel.Status {
	c.k.Lock()
	var woken bool
	for {
		if _, ok := c.k.Unblock(c.waitSend, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	for {
		if _, ok := c.k.Unblock(c.waitRecv, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	c.k.Unlock()
	if woken {
		// Delete takes no self parameter; see kernel.SettleAfterUnlock's doc
		// for why that means nil, not c.k.CurrentThread().
		c.k.SettleAfterUnlock(nil)
	}
	return kernel.StatusSuccess
}
