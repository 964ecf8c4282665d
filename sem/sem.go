// Package sem implements the kernel's counting semaphore (spec.md §4.2):
// Take blocks while the count is zero, Give increments it and wakes the
// longest-waiting blocked thread. Semaphore waiters are served strictly
// FIFO — unlike the mutex's priority-ordered wait list, a semaphore carries
// no notion of ownership to hoist priority against. spec.md §4.2 gives the
// semaphore a single initial count and no upper bound; Give always succeeds.
//
// The handshake mirrors the ping/pong synchronization in the teacher's
// microbatch.Batcher (a waiter parks on a channel-like primitive until a
// producer's signal arrives), adapted here from Go channels to the kernel's
// own Block/Unblock baton protocol so semaphore waits compose correctly with
// priority-based preemption and timeouts.
package sem

import (
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
	"github.com/joeycumines/go-rtkernel/kernel"
)

// Semaphore is a counting semaphore.
type Semaphore struct {
	k       *kernel.Kernel
	name    string
	count   int
	waiters *klist.List[*kernel.Thread]
}

// New creates a semaphore with the given initial count. Returns
// StatusInvalidParameter if initial is negative.
func New(k *kernel.Kernel, name string, initial int) (*Semaphore, kernel.Status) {
	if initial < 0 {
		return nil, kernel.StatusInvalidParameter
	}
	return &Semaphore{
		k:       k,
		name:    name,
		count:   initial,
		waiters: klist.New[*kernel.Thread](nil),
	}, kernel.StatusSuccess
}

// Name returns the semaphore's name.
func (s *Semaphore) Name() string { return s.name }

// Count returns the current count.
func (s *Semaphore) Count() int {
	s.k.Lock()
	defer s.k.Unlock()
	return s.count
}

// Take decrements the count, blocking self if it is already zero, for up to
// timeout (kernel.NoWait for a non-blocking poll, kernel.Infinite to wait
// forever). Returns StatusTimeout if the wait expires first.
func (s *Semaphore) Take(self *kernel.Thread, timeout time.Duration) kernel.Status {
	s.k.Lock()
	if s.count > 0 {
		s.count--
		s.k.Unlock()
		return kernel.StatusSuccess
	}
	if timeout == kernel.NoWait {
		s.k.Unlock()
		return kernel.StatusTimeout
	}
	return s.k.Block(self, s.waiters, timeout)
}

// Give increments the count, or — if a thread is already waiting — hands
// the unit directly to the longest-waiting thread without ever incrementing
// the visible count (spec.md §4.2's direct-handoff wording: a Give that
// satisfies a waiter never touches count at all).
func (s *Semaphore) Give() kernel.Status {
	s.k.Lock()
	if _, ok := s.k.Unblock(s.waiters, kernel.StatusSuccess); ok {
		s.k.Unlock()
		// Give takes no self parameter (spec.md §4.2's put signature), so
		// the calling goroutine's identity is unknown; see
		// kernel.SettleAfterUnlock's doc for why that means nil, not
		// s.k.CurrentThread().
		s.k.SettleAfterUnlock(nil)
		return kernel.StatusSuccess
	}
	s.count++
	s.k.Unlock()
	return kernel.StatusSuccess
}

// Delete unblocks every waiter with StatusObjectDeleted (spec.md §8's
// testable scenario 6: deleting an object a thread is blocked on must wake
// it with that status rather than leaving it parked forever).
func (s *Semaphore) Delete() kernel.Status {
	s.k.Lock()
	var woken bool
	for {
		if _, ok := s.k.Unblock(s.waiters, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	s.k.Unlock()
	if woken {
		s.k.SettleAfterUnlock(nil)
	}
	return kernel.StatusSuccess
}
