package kernel

import (
	"time"

	"golang.org/x/exp/constraints"

	"github.com/joeycumines/go-rtkernel/internal/klist"
)

// Priority is a thread's scheduling priority. 0 is reserved for the kernel's
// own idle thread; user threads run 1..255, higher numbers run first.
type Priority uint8

const (
	PriorityIdle Priority = 0
	PriorityMin  Priority = 1
	PriorityMax  Priority = 255
)

// State is a thread's lifecycle state, per spec.md §3.
type State int

const (
	StateSuspended State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "Suspended"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSleeping:
		return "Sleeping"
	case StateDone:
		return "Done"
	default:
		return "State(?)"
	}
}

// Entry is a thread's entry function, invoked exactly once on its own
// goroutine. It is the Go-shaped substitute for the port's "stack synthesis +
// entry wrapper dispatch" dance in spec.md §4.1 — Go goroutines already start
// with their own stack, so there is nothing left to prepare.
type Entry func(arg any)

// stackGuardSize is the width of the canary word written to the low address
// of a thread's simulated stack region (spec.md §3's "owned stack region …
// optional check sentinel at the low address").
const stackGuardSize = 4

var stackGuardPattern = [stackGuardSize]byte{0xDE, 0xAD, 0xBE, 0xEF}

// newStackRegion allocates a simulated stack region of the given size with
// the guard word written at its low address (offset 0).
func newStackRegion(size int) []byte {
	s := make([]byte, size)
	copy(s, stackGuardPattern[:])
	return s
}

// Thread is a kernel-scheduled unit of execution. Create one with
// Kernel.CreateThread; the zero value is not usable.
type Thread struct {
	k *Kernel

	name      string
	priority  Priority
	// basePriority is the thread's own, non-inherited priority: the value it
	// was created with, or last explicitly set via Kernel.SetPriority. priority
	// itself may sit above this temporarily due to mutex priority inheritance
	// (see the mutex package); basePriority is the floor that inheritance
	// restores to once every mutex boosting this thread has been released.
	basePriority Priority
	state        State
	entry     Entry
	arg       any
	stackSize int
	// stack is the thread's simulated, caller-owned stack region (spec.md
	// §3): stackGuardPattern written at offset 0, checked by
	// stackGuardIntactLocked at every context switch (kernel.go's
	// scheduleLocked). nil for threads provisioned without one.
	stack []byte

	// schedNode is reused across the ready, suspended, and sleeping sets —
	// a thread is on at most one of those three at any moment (spec.md §3).
	schedNode *klist.Node[*Thread]
	// waitNode is the node used for whichever object wait set (semaphore,
	// mutex, queue, channel) the thread is currently blocked on; it can be
	// linked at the same time schedNode is on the sleeping set (finite
	// timeout case).
	waitNode *klist.Node[*Thread]
	// registryNode is used only when the kernel's created-object registry is
	// enabled (SPEC_FULL.md §D).
	registryNode *klist.Node[*Thread]

	waitList *klist.List[*Thread] // the object wait set waitNode is linked to, or nil

	wakeupTick uint32
	unblock    Status

	// scratch is the rendezvous/out-parameter slot used by queue and channel
	// to hand a pointer across to whichever side completes the operation,
	// per spec.md §3 ("scratch pointer used by channel rendezvous").
	scratch any

	// extra is a single slot an external subsystem built atop the kernel
	// (namely the runloop package) may use to stash its own per-thread
	// state — e.g. "the run-loop this thread currently owns" — without the
	// kernel needing to import it. Guarded by the kernel lock.
	extra any

	turn chan struct{} // baton: receiving means "you are now Running"
}

// Name returns the thread's stable name.
func (t *Thread) Name() string { return t.name }

// Priority returns the thread's current (possibly inheritance-boosted)
// priority. Safe to call from any context.
func (t *Thread) Priority() Priority {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.priority
}

// PriorityLocked is Priority for callers that already hold the owning
// kernel's lock — notably a klist comparator passed to klist.New, which runs
// while the kernel lock is held by whichever operation triggered the
// Insert/Reinsert.
func (t *Thread) PriorityLocked() Priority { return t.priority }

// BasePriorityLocked returns the thread's own, non-inherited priority (see
// the basePriority field doc). Used by the mutex package when restoring a
// lock owner's priority on unlock.
func (t *Thread) BasePriorityLocked() Priority { return t.basePriority }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.state
}

// StackSize returns the stack-size hint the thread was created with. The
// default Port does not actually carve out a fixed memory region for it (see
// DESIGN.md, Open Question 5); a custom Port may.
func (t *Thread) StackSize() int { return t.stackSize }

// StackRegion returns the thread's simulated, caller-owned stack bytes
// (spec.md §3's "owned stack region"), or nil if none was provisioned.
// Exposed so tests (and anything modeling a stack-overflow-style fault) can
// exercise the guard-word check scheduleLocked performs at every context
// switch; corrupting anything but the four-byte guard word at offset 0 has
// no effect on the kernel.
func (t *Thread) StackRegion() []byte { return t.stack }

// stackGuardIntactLocked reports whether t's stack-region guard word (if
// any) is still exactly stackGuardPattern. A thread provisioned without a
// stack region has nothing to check and always reports intact — the
// sentinel is optional per spec.md §3. Must be called with the kernel lock
// held (the same lock StackRegion's callers use to synchronize a corrupting
// write against this read).
func (t *Thread) stackGuardIntactLocked() bool {
	if len(t.stack) < stackGuardSize {
		return true
	}
	return [stackGuardSize]byte(t.stack[:stackGuardSize]) == stackGuardPattern
}

// Extra returns the per-thread extension slot (see the extra field doc).
func (t *Thread) Extra() any {
	t.k.mu.Lock()
	defer t.k.mu.Unlock()
	return t.extra
}

// SetExtra sets the per-thread extension slot.
func (t *Thread) SetExtra(v any) {
	t.k.mu.Lock()
	t.extra = v
	t.k.mu.Unlock()
}

// SetScratch stashes a rendezvous value for this thread — the Go-shaped
// substitute for the copy into a waiting receiver's destination buffer that
// spec.md §4.4/§4.5 describe for the queue and channel. The writer holds the
// kernel lock while calling this; the reader only reads it after being woken
// via the baton channel, which establishes a happens-before edge, so no
// additional locking is needed around the read.
func (t *Thread) SetScratch(v any) { t.scratch = v }

// Scratch retrieves the rendezvous value set by SetScratch.
func (t *Thread) Scratch() any { return t.scratch }

// awaitTurn parks the calling goroutine until the scheduler hands it the
// baton. Called with the kernel lock NOT held.
func (t *Thread) awaitTurn() {
	<-t.turn
}

func (t *Thread) loop() {
	t.awaitTurn()
	t.entry(t.arg)

	k := t.k
	k.mu.Lock()
	t.state = StateDone
	if k.current == t {
		k.current = nil
	}
	k.scheduleLocked()
	k.mu.Unlock()
}

// durationToTicks converts a millisecond-ish time.Duration to a tick count
// using the kernel's configured quantum, rounding up so a caller asking for
// "at least d" never wakes early.
func durationToTicks(d time.Duration, quantum time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ticks := (d + quantum - 1) / quantum
	return uint32(atLeast(ticks, 1))
}

// atLeast returns v clamped to a floor of min. Used to guarantee a caller
// asking for any positive duration gets at least one tick, regardless of how
// that duration rounds against the configured quantum.
func atLeast[T constraints.Ordered](v, min T) T {
	if v < min {
		return min
	}
	return v
}
