package kernel

import "time"

// onTick is the kernel's one interrupt handler (spec.md §5, entry point
// (c)): advance the tick count, expire any sleeping or timed-out-blocked
// threads, run registered tick hooks (timer/runloop expiry), drain the
// deferred-action queue, and finally reschedule (requested on every tick). This is
// the only place InInterrupt reports true.
func (k *Kernel) onTick() {
	k.mu.Lock()
	k.irqDepth++
	k.tick++

	for {
		node := k.sleeping.Head()
		if node == nil {
			break
		}
		th := node.Owner()
		if th.wakeupTick > k.tick {
			break
		}
		k.sleeping.Remove(th.schedNode)
		if th.state == StateBlocked {
			if th.waitList != nil {
				th.waitList.Remove(th.waitNode)
				th.waitList = nil
			}
			th.unblock = StatusTimeout
		}
		th.state = StateReady
		k.ready.Insert(th.schedNode)
	}

	var thunks []func()
	for _, h := range k.tickHooks {
		thunks = append(thunks, h(k.tick)...)
	}

	k.deferred.drain()

	// spec.md §4.1 step 4: "Request reschedule; return" is unconditional —
	// every tick may have made a higher-priority thread Ready (a sleeper's
	// deadline passing), whether or not any tick hook fired.
	k.rescheduleNeeded = true
	k.mu.Unlock()

	// Timer/run-loop callbacks run here, lock released per spec.md §4.6, but
	// irqDepth stays elevated across the call: they fire from the tick
	// handler itself, so any blocking call they attempt must still see
	// InInterrupt() true and fail with StatusNotFromInterrupt (spec.md §5),
	// and any reschedule they trigger must defer to the outermost return
	// below rather than switching threads mid-callback.
	for _, fn := range thunks {
		fn()
	}

	k.mu.Lock()
	k.irqDepth--
	if k.rescheduleNeeded {
		k.scheduleLocked()
	}
	k.mu.Unlock()
}

// idleLoop is the idle thread's Entry. It never returns: it sleeps the
// remaining time until the next known deadline (SPEC_FULL.md's "enable
// idle-sleep" supplement over a busy-wait idle loop) and yields, forever.
func (k *Kernel) idleLoop() {
	for {
		k.port.Idle(k.idleBudget())
		k.Yield(k.idle)
	}
}

// idleBudget returns how long the idle thread may sleep before it must check
// again, based on the nearest sleeping-thread deadline.
func (k *Kernel) idleBudget() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	node := k.sleeping.Head()
	if node == nil {
		return k.quantum
	}
	th := node.Owner()
	if th.wakeupTick <= k.tick {
		return 0
	}
	return time.Duration(th.wakeupTick-k.tick) * k.quantum
}
