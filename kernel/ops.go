package kernel

import (
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
)

// CreateThread allocates a new thread, marks it Ready, and starts its
// goroutine (spec.md §4.1, "create"). entry must be non-nil; priority must
// be in [PriorityMin, PriorityMax]; stackSize must be at least MinStackSize.
func (k *Kernel) CreateThread(name string, priority Priority, stackSize int, entry Entry, arg any) (*Thread, Status) {
	if entry == nil {
		return nil, StatusInvalidParameter
	}
	if priority < PriorityMin {
		return nil, StatusInvalidPriority
	}
	if stackSize < MinStackSize {
		return nil, StatusStackTooSmall
	}

	t := &Thread{
		k:            k,
		name:         name,
		priority:     priority,
		basePriority: priority,
		state:        StateReady,
		entry:        entry,
		arg:          arg,
		stackSize:    stackSize,
		stack:        newStackRegion(stackSize),
		turn:         make(chan struct{}, 1),
	}
	t.schedNode = klist.NewNode(t)
	t.waitNode = klist.NewNode(t)

	k.mu.Lock()
	k.ready.Insert(t.schedNode)
	if k.registry != nil {
		t.registryNode = klist.NewNode(t)
		k.registry.Insert(t.registryNode)
	}
	k.mu.Unlock()

	go t.loop()
	// CreateThread takes no self parameter (matching spec.md §4.1's create
	// signature), so the calling goroutine's identity is unknown; see
	// SettleAfterUnlock's doc for why that means nil, not CurrentThread().
	k.SettleAfterUnlock(nil)
	k.log.Debug().Str(`thread`, name).Int(`priority`, int(priority)).Log(`thread created`)
	return t, StatusSuccess
}

// removeFromSchedSetLocked removes t from whichever of the ready/suspended
// sets its current state indicates it is on. Must be called with the kernel
// lock held and only for t.state in {StateReady, StateSuspended}.
func (k *Kernel) removeFromSchedSetLocked(t *Thread) {
	switch t.state {
	case StateReady:
		k.ready.Remove(t.schedNode)
	case StateSuspended:
		k.suspended.Remove(t.schedNode)
	}
}

// DeleteThread retires a thread (spec.md §4.1, "delete"). It cannot be used
// on the thread currently Running (a thread cannot delete itself
// synchronously; have it exit its entry function instead) nor on a thread
// already Done. Deleting a Blocked thread removes it from whatever object
// wait set it was on without delivering a status to anyone waiting on it.
//
// Note: the underlying goroutine, if parked in awaitTurn, is left parked
// forever — Go provides no way to force a goroutine to unwind early. This
// matches the teacher's own documented tradeoff for long-lived worker
// goroutines (see eventloop.Loop.Stop, which only signals; it does not kill).
func (k *Kernel) DeleteThread(t *Thread) Status {
	if t == nil {
		return StatusInvalidParameter
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	switch t.state {
	case StateDone, StateRunning:
		return StatusInvalidState
	case StateReady, StateSuspended:
		k.removeFromSchedSetLocked(t)
	case StateSleeping:
		k.sleeping.Remove(t.schedNode)
	case StateBlocked:
		if t.waitList != nil {
			t.waitList.Remove(t.waitNode)
			t.waitList = nil
		}
		if t.schedNode.Linked() {
			k.sleeping.Remove(t.schedNode)
		}
	}
	t.state = StateDone
	if k.registry != nil && t.registryNode != nil && t.registryNode.Linked() {
		k.registry.Remove(t.registryNode)
	}
	k.log.Debug().Str(`thread`, t.name).Log(`thread deleted`)
	return StatusSuccess
}

// Suspend removes target from scheduling until Resume is called (spec.md
// §4.1). self is the calling thread, used to detect and handle the
// self-suspend case (a thread suspending itself must actually park). Valid
// only when target is Ready or is self while Running; otherwise returns
// StatusInvalidState.
func (k *Kernel) Suspend(self *Thread, target *Thread) Status {
	if target == nil {
		return StatusInvalidParameter
	}
	k.mu.Lock()
	switch target.state {
	case StateReady:
		k.ready.Remove(target.schedNode)
	case StateRunning:
		if target != k.current {
			k.mu.Unlock()
			return StatusInvalidState
		}
	default:
		k.mu.Unlock()
		return StatusInvalidState
	}

	wasRunning := target.state == StateRunning
	target.state = StateSuspended
	k.suspended.Insert(target.schedNode)
	if wasRunning {
		k.current = nil
		k.scheduleLocked()
	}
	k.mu.Unlock()
	k.log.Debug().Str(`thread`, target.name).Log(`thread suspended`)

	if wasRunning && target == self {
		self.awaitTurn()
	}
	return StatusSuccess
}

// Resume makes a Suspended thread Ready again (spec.md §4.1).
func (k *Kernel) Resume(target *Thread) Status {
	if target == nil {
		return StatusInvalidParameter
	}
	k.mu.Lock()
	if target.state != StateSuspended {
		k.mu.Unlock()
		return StatusInvalidState
	}
	k.suspended.Remove(target.schedNode)
	target.state = StateReady
	k.ready.Insert(target.schedNode)
	k.mu.Unlock()

	// Resume takes no self parameter (spec.md §4.1's resume signature), so
	// the calling goroutine's identity is unknown; see SettleAfterUnlock's
	// doc for why that means nil, not CurrentThread().
	k.SettleAfterUnlock(nil)
	k.log.Debug().Str(`thread`, target.name).Log(`thread resumed`)
	return StatusSuccess
}

// SetPriority changes a thread's own (non-inherited) scheduling priority
// (spec.md §4.1), reordering it within the ready set, or within whatever
// priority-ordered object wait set it is currently blocked on (mutex waiters
// are kept priority-sorted; see DESIGN.md Open Question 1). PriorityIdle is
// reserved for the kernel's own idle thread. Unlike SetPriorityLocked (used
// internally for mutex priority-inheritance boosts), this also updates
// target's basePriority — the floor the mutex package restores to once every
// mutex currently boosting target has been released.
func (k *Kernel) SetPriority(target *Thread, p Priority) Status {
	if target == nil {
		return StatusInvalidParameter
	}
	if p < PriorityMin || target == k.idle {
		return StatusInvalidPriority
	}
	k.mu.Lock()
	target.basePriority = p
	k.SetPriorityLocked(target, p)
	k.mu.Unlock()

	// SetPriority takes no self parameter (spec.md §4.1's set-priority
	// signature), so the calling goroutine's identity is unknown; see
	// SettleAfterUnlock's doc for why that means nil, not CurrentThread().
	k.SettleAfterUnlock(nil)
	return StatusSuccess
}

// SetPriorityLocked is SetPriority for callers (namely the mutex package,
// hoisting or restoring a lock owner's effective priority) that already hold
// the kernel lock. It performs no validation of p beyond what the caller has
// already done, and deliberately leaves target.basePriority untouched —
// priority inheritance is a temporary effect layered on top of a thread's own
// priority, not a replacement for it.
func (k *Kernel) SetPriorityLocked(target *Thread, p Priority) {
	target.priority = p
	switch {
	case target.state == StateReady:
		k.ready.Reinsert(target.schedNode)
	case target.state == StateBlocked && target.waitList != nil:
		target.waitList.Reinsert(target.waitNode)
	}
}

// Sleep blocks self for at least d (spec.md §4.1's timed sleep). d ==
// Infinite is equivalent to self-suspend (spec.md §4.1, "if ms is the
// 'infinite' sentinel, equivalent to self-suspend" — a named testable
// property in spec.md §8). d == 0 is a true no-op: it returns immediately
// without rescheduling (spec.md §4.1 "if ms is 0, no-op"; §8's named
// boundary behavior), not a Yield — a Yield runs the scheduler, which is
// not what "no-op" means. Otherwise
// Sleep always completes with StatusSuccess; there is no way to interrupt a
// sleeping thread early in this kernel.
func (k *Kernel) Sleep(self *Thread, d time.Duration) Status {
	if d == Infinite {
		return k.Suspend(self, self)
	}
	if d <= 0 {
		return StatusSuccess
	}

	k.mu.Lock()
	self.state = StateSleeping
	self.unblock = StatusSuccess
	self.wakeupTick = k.tick + durationToTicks(d, k.quantum)
	k.sleeping.Insert(self.schedNode)
	k.current = nil
	k.scheduleLocked()
	k.mu.Unlock()

	self.awaitTurn()
	return self.unblock
}

// SleepUntil blocks self until the kernel's tick counter reaches
// absoluteTick, or returns immediately (a true no-op, same as Sleep's d == 0
// case) if that tick has already passed.
func (k *Kernel) SleepUntil(self *Thread, absoluteTick uint32) Status {
	k.mu.Lock()
	now := k.tick
	k.mu.Unlock()
	if absoluteTick <= now {
		return StatusSuccess
	}
	return k.Sleep(self, time.Duration(absoluteTick-now)*k.quantum)
}

// FindByName looks up a thread by name in the optional created-object
// registry (SPEC_FULL.md §D). Returns false if the registry is disabled or
// no thread with that name currently exists.
func (k *Kernel) FindByName(name string) (*Thread, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.registry == nil {
		return nil, false
	}
	var found *Thread
	k.registry.Each(func(th *Thread) bool {
		if th.name == name {
			found = th
			return false
		}
		return true
	})
	return found, found != nil
}
