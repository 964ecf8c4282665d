// Package kernel implements the scheduler core of a small preemptive
// real-time kernel: threads, the ready/suspended/sleeping sets, the tick
// handler, and the common blocking protocol every synchronization primitive
// in the sibling packages (sem, mutex, queue, rtchan) builds on.
//
// The hardware CPU port — stack synthesis, context save/restore across the
// yield exception, atomics, the interrupt-mask gate — is out of scope (see
// spec.md §1 and SPEC_FULL.md §A) and has no Go equivalent: a goroutine
// already IS a saved execution context. What this package does instead is
// serialize many real goroutines onto one logical "Running" slot with a
// per-thread baton channel, so that at any instant exactly one kernel thread
// is entitled to run user code — matching spec.md §3's "current.state ==
// Running iff current is the single Running thread" invariant — while still
// letting the Go scheduler actually run each thread's goroutine.
package kernel

import (
	"sync"
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
	"github.com/joeycumines/go-rtkernel/klog"
	"github.com/joeycumines/go-rtkernel/port"
)

// NoWait and Infinite are the two timeout sentinels named in spec.md §6.
// Ordinary finite timeouts are plain positive time.Duration values.
const (
	NoWait   time.Duration = 0
	Infinite time.Duration = -1
)

// MinStackSize is the smallest stackSize CreateThread accepts (spec.md §4.1:
// "stack-size ≥ sizeof(initial context frame)"). The default Port does not
// allocate real memory against it (see DESIGN.md Open Question 5); it exists
// so CreateThread's StackTooSmall failure mode is exercisable and so a custom
// Port backing embedded/sandboxed builds has something to enforce.
const MinStackSize = 64

// TickHook is registered by subsystems built on top of the kernel (namely
// timer/runloop) that need to be notified once per tick. It is invoked under
// the kernel lock and may return thunks to be run with the lock released —
// the kernel runs them all after the tick's bookkeeping (expiring sleepers,
// draining deferred actions) completes, before the final reschedule.
type TickHook func(tick uint32) []func()

type config struct {
	port            port.Port
	quantum         time.Duration
	logger          klog.Logger
	registry        bool
	deferredDepth   int
	loadMonitor     bool
}

// Option configures a Kernel constructed by New.
type Option func(*config)

// WithPort overrides the default hosted Port (time.Ticker + time.Sleep).
// Tests use this to drive ticks deterministically.
func WithPort(p port.Port) Option { return func(c *config) { c.port = p } }

// WithQuantum sets the tick quantum (spec.md §6 default: 10ms).
func WithQuantum(d time.Duration) Option { return func(c *config) { c.quantum = d } }

// WithLogger attaches a structured logger (see the klog package); nil
// disables logging.
func WithLogger(l klog.Logger) Option { return func(c *config) { c.logger = l } }

// WithRegistry enables the optional global created-object registry
// (spec.md §6, SPEC_FULL.md §D).
func WithRegistry(enabled bool) Option { return func(c *config) { c.registry = enabled } }

// WithDeferredQueueDepth sets the capacity of the interrupt-context deferred
// action queue (spec.md §5); default 16.
func WithDeferredQueueDepth(n int) Option { return func(c *config) { c.deferredDepth = n } }

// WithLoadMonitor enables the optional system-load counter (SPEC_FULL.md §D).
func WithLoadMonitor(enabled bool) Option { return func(c *config) { c.loadMonitor = enabled } }

func defaultConfig() config {
	return config{
		port:          port.New(),
		quantum:       10 * time.Millisecond,
		deferredDepth: 16,
	}
}

// Kernel is the process-wide scheduler state (spec.md §3, "Global kernel
// state"). The zero value is not usable; construct with New.
type Kernel struct {
	mu sync.Mutex

	port    port.Port
	quantum time.Duration
	log     klog.Logger

	ready     *klist.List[*Thread]
	suspended *klist.List[*Thread]
	sleeping  *klist.List[*Thread]
	registry  *klist.List[*Thread]

	current *Thread
	idle    *Thread

	tick             uint32
	irqDepth         int
	rescheduleNeeded bool
	started          bool

	tickHooks []TickHook
	deferred  *deferredQueue

	load *loadMonitor

	stopTick func()
}

// New constructs a Kernel and its idle thread. The kernel does not begin
// ticking or scheduling until Start is called; threads may be created (and
// are marked Ready) beforehand.
func New(opts ...Option) *Kernel {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	k := &Kernel{
		port:    cfg.port,
		quantum: cfg.quantum,
		log:     klog.Or(cfg.logger),
	}
	k.ready = klist.New[*Thread](func(a, b *Thread) bool { return a.priority > b.priority })
	k.suspended = klist.New[*Thread](nil)
	k.sleeping = klist.New[*Thread](func(a, b *Thread) bool { return a.wakeupTick < b.wakeupTick })
	if cfg.registry {
		k.registry = klist.New[*Thread](nil)
	}
	k.deferred = newDeferredQueue(cfg.deferredDepth)
	if cfg.loadMonitor {
		k.load = newLoadMonitor()
	}

	idle := &Thread{k: k, name: "idle", priority: PriorityIdle, basePriority: PriorityIdle, state: StateReady, turn: make(chan struct{}, 1)}
	idle.entry = func(any) { k.idleLoop() }
	idle.schedNode = klist.NewNode(idle)
	idle.waitNode = klist.NewNode(idle)
	k.ready.Insert(idle.schedNode)
	k.idle = idle
	go idle.loop()

	return k
}

// Start begins tick delivery and runs the scheduler for the first time,
// handing the baton to whichever thread (possibly idle) has highest
// priority among those marked Ready so far.
func (k *Kernel) Start() {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return
	}
	k.started = true
	k.scheduleLocked()
	k.mu.Unlock()
	k.stopTick = k.port.StartTick(k.quantum, k.onTick)
}

// Stop halts tick delivery. Threads are left exactly as they were; Stop is
// intended for clean test/process shutdown, not a kernel-level operation
// from spec.md.
func (k *Kernel) Stop() {
	k.mu.Lock()
	stop := k.stopTick
	k.stopTick = nil
	k.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Lock acquires the kernel lock. Sibling packages (sem, mutex, queue,
// rtchan, timer, runloop) use this directly to implement spec.md §5's single
// global critical section; nested acquisition from the same goroutine is not
// supported (same as a real interrupt-mask gate, which only nests depth, not
// reentrant locking semantics) — callers must not call Lock twice without an
// intervening Unlock on the same goroutine.
func (k *Kernel) Lock() { k.mu.Lock() }

// Unlock releases the kernel lock.
func (k *Kernel) Unlock() { k.mu.Unlock() }

// Now returns the current tick count. It acquires the kernel lock, so it must
// not be called while that lock is held; such callers use NowLocked.
func (k *Kernel) Now() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// NowLocked is Now for callers (the timer package) that already hold the
// kernel lock.
func (k *Kernel) NowLocked() uint32 { return k.tick }

// Quantum returns the configured tick quantum.
func (k *Kernel) Quantum() time.Duration { return k.quantum }

// TicksFor converts a duration to a tick count using the kernel's quantum.
func (k *Kernel) TicksFor(d time.Duration) uint32 { return durationToTicks(d, k.quantum) }

// InInterrupt reports whether the kernel's one interrupt source, the tick
// handler, is currently running (irqDepth > 0); it does not look at which
// goroutine is asking. In
// this hosted Go port the tick handler is the only interrupt context there
// is (spec.md §1 puts UART/I2C/SPI/etc. out of scope), so IRQ depth is
// exactly {0,1}, never nested.
func (k *Kernel) InInterrupt() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.irqDepth > 0
}

// CurrentThread returns the thread currently holding the baton.
func (k *Kernel) CurrentThread() *Thread {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// CurrentThreadLocked is CurrentThread for callers that already hold the
// kernel lock (e.g. mid-operation in sem/mutex/queue/rtchan).
func (k *Kernel) CurrentThreadLocked() *Thread { return k.current }

// Idle returns the kernel's idle thread.
func (k *Kernel) Idle() *Thread { return k.idle }

// Logger returns the kernel's structured logger (never nil).
func (k *Kernel) Logger() klog.Logger { return k.log }

// RegisterTickHook adds a hook invoked once per tick, under the kernel lock.
func (k *Kernel) RegisterTickHook(h TickHook) {
	k.mu.Lock()
	k.tickHooks = append(k.tickHooks, h)
	k.mu.Unlock()
}

// Defer posts a closure to the bounded deferred-action queue, to be run
// under the kernel lock at the next tick's outermost return (spec.md §5).
// No package in this repository posts through it: timer Start and Stop act
// directly under the kernel lock in every context, including interrupt
// context. Returns StatusOutOfMemory if the queue is full.
func (k *Kernel) Defer(fn func()) Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.deferred.push(fn) {
		return StatusOutOfMemory
	}
	return StatusSuccess
}

// scheduleLocked implements spec.md §4.1's scheduler policy: the ready set's
// head (highest priority, FIFO among ties) becomes Running. Must be called
// with the kernel lock held.
//
// Before handing off, it checks the outgoing thread's stack-sentinel guard
// word (spec.md §7: "stack underflow detected by the sentinel check at
// context switch … fatal and routes to _halt"); a corrupted guard calls the
// port's Halt and does not return.
func (k *Kernel) scheduleLocked() {
	k.rescheduleNeeded = false
	if !k.started {
		return
	}
	node := k.ready.Head()
	if node == nil {
		return // nothing ready at all (should not happen: idle is always a candidate)
	}
	next := node.Owner()
	if next == k.current {
		return
	}
	prev := k.current
	if prev != nil && prev.state == StateRunning && next.priority <= prev.priority {
		return // a Running thread is preempted only by a strictly higher priority
	}
	if prev != nil && prev.state == StateRunning {
		if !prev.stackGuardIntactLocked() {
			k.port.Halt("stack sentinel corrupted: thread " + prev.name)
		}
		prev.state = StateReady
		k.ready.Insert(prev.schedNode)
	}
	k.ready.Remove(next.schedNode)
	next.state = StateRunning
	k.current = next
	if k.load != nil {
		k.load.onSwitch(next == k.idle, k.tick)
	}
	select {
	case next.turn <- struct{}{}:
	default:
		// already signaled (e.g. thread was never actually parked yet);
		// buffered channel of size 1 makes this a safe no-op.
	}
}

// Yield requests an immediate reschedule from thread context (the "service
// call" of spec.md §4.1, entry point (a)). self is the calling thread; if the
// scheduler picks a different thread, self blocks on its own baton until it
// is scheduled again. self may be nil only when called from outside any
// kernel thread (e.g. process bootstrap code) — in which case rescheduling
// still happens, but there is nothing to block.
func (k *Kernel) Yield(self *Thread) {
	k.mu.Lock()
	k.scheduleLocked()
	blocked := self != nil && k.current != self
	k.mu.Unlock()
	if blocked {
		self.awaitTurn()
	}
}

// SettleAfterUnlock must be called, with the kernel lock NOT held, after any
// operation that may have made a higher-priority thread Ready (sem.Give,
// mutex.Unlock, queue send/receive completion, channel rendezvous,
// Resume, SetPriority, timer expiry delivered from a run-loop context).
// self is the calling thread, exactly as received from that operation's own
// caller — nil if the operation has no such parameter (e.g. sem.Give,
// Resume, SetPriority, CreateThread) or the caller is known not to be a
// kernel thread. Callers must never substitute CurrentThread() for self:
// the only goroutine that may legitimately be executing non-parked code at
// call time is the actual current thread, but a caller outside any kernel
// thread (bootstrap code, a test, a tick-hook thunk) has no such thread at
// all, and guessing CurrentThread() anyway parks the wrong goroutine on a
// baton meant for someone else — a lost wakeup, since turn is a buffered
// channel of size 1.
//
// From thread context this triggers an immediate, possibly-preemptive
// reschedule. From interrupt context (InInterrupt) there is no thread stack
// to switch away from, so it only arms the reschedule-needed flag, honored
// at the tick's outermost return (spec.md §5).
func (k *Kernel) SettleAfterUnlock(self *Thread) {
	if k.InInterrupt() {
		k.mu.Lock()
		k.rescheduleNeeded = true
		k.mu.Unlock()
		return
	}
	k.Yield(self)
}

// Block implements the common blocking protocol (spec.md §5): the caller
// (self, which must be k.current) is marked Blocked, inserted on waitList,
// and — if d is finite — armed with a sleeping-set deadline. The kernel lock
// must be held on entry; Block releases it, waits for the baton, and returns
// with the lock released and self's unblock-status.
func (k *Kernel) Block(self *Thread, waitList *klist.List[*Thread], d time.Duration) Status {
	return k.BlockNotify(self, waitList, d, nil)
}

// BlockNotify is Block, plus an optional notify callback invoked once the
// kernel lock has been released but before parking — used by queue/rtchan
// to nudge a bound run-loop (see the timer.RunLoopHandle-shaped Waker
// contract in those packages) the moment a thread parks on an object a
// run-loop is watching, rather than leaving it to the run-loop's next
// unrelated wakeup to notice.
func (k *Kernel) BlockNotify(self *Thread, waitList *klist.List[*Thread], d time.Duration, notify func()) Status {
	if k.irqDepth > 0 {
		// spec.md §5: "blocking with timeout > 0 is forbidden [from interrupt
		// context] and returns NotFromInterrupt" — callers only reach Block/
		// BlockNotify once they've already ruled out the NoWait case, so any
		// arrival here while inside the tick handler is exactly that.
		k.mu.Unlock()
		return StatusNotFromInterrupt
	}
	self.state = StateBlocked
	self.unblock = StatusSuccess
	self.waitList = waitList
	waitList.Insert(self.waitNode)
	if d != Infinite {
		self.wakeupTick = k.tick + durationToTicks(d, k.quantum)
		k.sleeping.Insert(self.schedNode)
	}
	k.scheduleLocked()
	k.mu.Unlock()
	if notify != nil {
		notify()
	}
	self.awaitTurn()
	return self.unblock
}

// Unblock pops the head of waitList (if any), transitions it to Ready with
// the given status, and removes it from the sleeping set if it was also
// there (finite-timeout case). Must be called with the kernel lock held. The
// caller is responsible for calling SettleAfterUnlock once the lock is
// released.
func (k *Kernel) Unblock(waitList *klist.List[*Thread], status Status) (*Thread, bool) {
	th, ok := waitList.PopFront()
	if !ok {
		return nil, false
	}
	th.waitList = nil
	if th.schedNode.Linked() {
		k.sleeping.Remove(th.schedNode)
	}
	th.unblock = status
	th.state = StateReady
	k.ready.Insert(th.schedNode)
	return th, true
}

// RemoveFromWaitSet detaches th from whatever object wait set it is
// currently on, if any. Must be called with the kernel lock held. The
// Delete operations in this repository do not use it; they call Unblock
// repeatedly instead.
func (k *Kernel) RemoveFromWaitSet(th *Thread) {
	if th.waitList != nil {
		th.waitList.Remove(th.waitNode)
		th.waitList = nil
	}
}

// MakeReadyLocked transitions th (currently Blocked, with its wait-set
// membership already cleared by the caller) to Ready and inserts it into the
// ready set, for a thread its caller has already removed from its wait list
// by some means other than Unblock. No package in this repository calls it;
// they all use Unblock, which pops and readies in one step.
func (k *Kernel) MakeReadyLocked(th *Thread, status Status) {
	if th.schedNode.Linked() {
		k.sleeping.Remove(th.schedNode)
	}
	th.unblock = status
	th.state = StateReady
	k.ready.Insert(th.schedNode)
}
