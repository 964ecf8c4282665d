// Package runloop implements the kernel's run-loop (spec.md §4.7): a
// cooperative event pump owned by exactly one thread, which drives it by
// calling Run. Run repeatedly (1) drains perform-actions posted from any
// context, (2) checks every associated queue for a live element, (3) checks
// every associated channel for a pending sender, dispatching to a
// registered callback or returning control to the caller if none is
// registered, and (4) otherwise blocks until woken or the overall timeout
// elapses.
//
// Grounded on the teacher's eventloop.Loop: a goroutine-owned pump draining
// a work channel until told to stop. The kernel has no free-standing
// goroutine-safe channel to reuse for that queue (every kernel-level
// rendezvous must go through the Block/Unblock baton protocol so it
// composes with scheduling and timeouts), so Perform's handoff is built
// directly on kernel.Block/kernel.Unblock the same way queue.Queue and
// rtchan.Channel are, with a bounded internal/ringbuf backing the case
// where nobody is waiting yet.
package runloop

import (
	"time"

	"github.com/joeycumines/go-rtkernel/internal/klist"
	"github.com/joeycumines/go-rtkernel/internal/ringbuf"
	"github.com/joeycumines/go-rtkernel/kernel"
	"github.com/joeycumines/go-rtkernel/klog"
	"github.com/joeycumines/go-rtkernel/queue"
	"github.com/joeycumines/go-rtkernel/rtchan"
	"github.com/joeycumines/go-rtkernel/timer"
)

// Named is satisfied by timer.Timer, queue.Queue[T], and rtchan.Channel[T];
// it is all the run-loop's bookkeeping and RunQueueReceived/
// RunChannelReceived results need.
type Named interface {
	Name() string
}

// source is the internal, type-erased view AddQueue/AddChannel's generic
// wrappers present to RunLoop.Run, so Run itself need not be generic: it
// only needs to ask "is there live data" and, if so, either invoke a
// registered callback or hand the (type-erased) object back to the caller.
type source interface {
	Named
	hasData() bool
	hasCallback() bool
	invoke()
	target() Named
}

type queueSource[T any] struct {
	q        *queue.Queue[T]
	callback func(*queue.Queue[T], any)
	arg      any
}

func (s *queueSource[T]) Name() string      { return s.q.Name() }
func (s *queueSource[T]) hasData() bool     { return s.q.LenLocked() > 0 }
func (s *queueSource[T]) hasCallback() bool { return s.callback != nil }
func (s *queueSource[T]) invoke()           { s.callback(s.q, s.arg) }
func (s *queueSource[T]) target() Named     { return s.q }

type channelSource[T any] struct {
	c        *rtchan.Channel[T]
	callback func(*rtchan.Channel[T], any)
	arg      any
}

func (s *channelSource[T]) Name() string      { return s.c.Name() }
func (s *channelSource[T]) hasData() bool     { return s.c.PendingSendLocked() }
func (s *channelSource[T]) hasCallback() bool { return s.callback != nil }
func (s *channelSource[T]) invoke()           { s.callback(s.c, s.arg) }
func (s *channelSource[T]) target() Named     { return s.c }

// RunStatus is the outcome of a Run call (spec.md §4.7 step 5).
type RunStatus int

const (
	// RunStopped means Stop was called.
	RunStopped RunStatus = iota
	// RunTimeout means the overall timeout passed to Run elapsed with
	// nothing to do.
	RunTimeout
	// RunQueueReceived means an associated queue with no registered
	// callback had a live element; the returned Named identifies it, and
	// the caller is expected to call Receive on it.
	RunQueueReceived
	// RunChannelReceived is RunQueueReceived's counterpart for channels.
	RunChannelReceived
	// RunError means Run was misused — called by a thread other than the
	// run-loop's owner, or while the run-loop was already running.
	RunError
)

func (s RunStatus) String() string {
	switch s {
	case RunStopped:
		return "Stopped"
	case RunTimeout:
		return "Timeout"
	case RunQueueReceived:
		return "QueueReceived"
	case RunChannelReceived:
		return "ChannelReceived"
	case RunError:
		return "Error"
	default:
		return "RunStatus(?)"
	}
}

// RunLoop is a cooperative event pump owned by exactly one thread (spec.md
// §4.7's create(name, owning-thread)); only that thread may call Run.
type RunLoop struct {
	k     *kernel.Kernel
	name  string
	owner *kernel.Thread
	log   klog.Logger

	buf     *ringbuf.Buffer[func()]
	waiters *klist.List[*kernel.Thread]

	running       bool
	stopRequested bool
	deleted       bool

	timerHandles []*timer.Timer
	queues       []source
	channels     []source
}

// Option configures a RunLoop at construction, mirroring kernel.Option.
type Option func(*config)

type config struct {
	logger klog.Logger
}

// WithLogger attaches a structured logger (see the klog package); nil
// (the default) uses klog.Disabled.
func WithLogger(l klog.Logger) Option { return func(c *config) { c.logger = l } }

// New creates a run-loop owned by owner, with a perform-action buffer of
// the given capacity.
func New(k *kernel.Kernel, name string, owner *kernel.Thread, bufferCapacity int, opts ...Option) *RunLoop {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RunLoop{
		k:       k,
		name:    name,
		owner:   owner,
		log:     klog.Or(cfg.logger),
		buf:     ringbuf.New[func()](bufferCapacity),
		waiters: klist.New[*kernel.Thread](nil),
	}
}

// Name returns the run-loop's name.
func (r *RunLoop) Name() string { return r.name }

// Owner returns the thread allowed to call Run.
func (r *RunLoop) Owner() *kernel.Thread { return r.owner }

// AddTimer associates t with this run-loop (spec.md §4.7's add-timer and
// §4.6's Association rule); t.Start rejects with StatusTimerNoRunLoop until
// this has been called. Returns whatever status t.Associate returns
// (StatusInvalidState if t is already associated with a run-loop).
func (r *RunLoop) AddTimer(t *timer.Timer) kernel.Status {
	status := t.Associate(r)
	if status.Ok() {
		r.k.Lock()
		r.timerHandles = append(r.timerHandles, t)
		r.k.Unlock()
	}
	return status
}

// AddQueue associates q with run-loop r (spec.md §4.7's add-queue). callback,
// if non-nil, is invoked (with no kernel lock held) once per Run iteration
// in which q has a live element, and is expected to call q.Receive; if
// callback is nil, Run instead returns immediately with (RunQueueReceived,
// q) so the caller can receive inline. Must be a package-level function,
// not a method on *RunLoop, since Go does not allow generic methods on a
// non-generic receiver type.
func AddQueue[T any](r *RunLoop, q *queue.Queue[T], callback func(*queue.Queue[T], any), arg any) kernel.Status {
	status := q.Associate(r)
	if !status.Ok() {
		return status
	}
	r.k.Lock()
	r.queues = append(r.queues, &queueSource[T]{q: q, callback: callback, arg: arg})
	r.k.Unlock()
	return kernel.StatusSuccess
}

// AddChannel is AddQueue's counterpart for rtchan.Channel[T].
func AddChannel[T any](r *RunLoop, c *rtchan.Channel[T], callback func(*rtchan.Channel[T], any), arg any) kernel.Status {
	status := c.Associate(r)
	if !status.Ok() {
		return status
	}
	r.k.Lock()
	r.channels = append(r.channels, &channelSource[T]{c: c, callback: callback, arg: arg})
	r.k.Unlock()
	return kernel.StatusSuccess
}

// Timers, Queues, and Channels return the names of objects previously
// registered via AddTimer/AddQueue/AddChannel (spec.md's "associated
// timers/queues/channels" lists).
func (r *RunLoop) Timers() []Named {
	r.k.Lock()
	defer r.k.Unlock()
	out := make([]Named, len(r.timerHandles))
	for i, t := range r.timerHandles {
		out[i] = t
	}
	return out
}

func (r *RunLoop) Queues() []Named {
	r.k.Lock()
	defer r.k.Unlock()
	out := make([]Named, len(r.queues))
	for i, s := range r.queues {
		out[i] = s
	}
	return out
}

func (r *RunLoop) Channels() []Named {
	r.k.Lock()
	defer r.k.Unlock()
	out := make([]Named, len(r.channels))
	for i, s := range r.channels {
		out[i] = s
	}
	return out
}

// IsRunning reports whether some thread is currently inside Run.
func (r *RunLoop) IsRunning() bool {
	r.k.Lock()
	defer r.k.Unlock()
	return r.running
}

// Current returns the run-loop self is currently running, or nil if self is
// not inside a Run call (spec.md §4.7's get-current operation).
func Current(self *kernel.Thread) *RunLoop {
	rl, _ := self.Extra().(*RunLoop)
	return rl
}

// Perform posts fn to be run on whatever thread is executing this
// run-loop's Run call, waking it immediately if it is idle. Safe to call
// from any thread, or from a timer callback running on the tick goroutine.
// Returns StatusQueueFull if the internal buffer has no room and nobody is
// waiting — spec.md §4.7 requires overflow to be reported, never silently
// dropped.
func (r *RunLoop) Perform(fn func()) kernel.Status {
	r.k.Lock()
	if th, ok := r.k.Unblock(r.waiters, kernel.StatusSuccess); ok {
		th.SetScratch(fn)
		r.k.Unlock()
		// Perform takes no self parameter (spec.md §4.7's perform signature)
		// and is documented to be callable from any thread or the tick
		// goroutine, so the calling goroutine's identity is unknown; see
		// kernel.SettleAfterUnlock's doc for why that means nil, not
		// r.k.CurrentThread().
		r.k.SettleAfterUnlock(nil)
		return kernel.StatusSuccess
	}
	if r.buf.Full() {
		r.k.Unlock()
		r.log.Warning().Str(`runloop`, r.name).Log(`perform buffer full`)
		return kernel.StatusQueueFull
	}
	r.buf.PushBack(fn)
	r.k.Unlock()
	return kernel.StatusSuccess
}

// Wake nudges the thread currently blocked inside Run, if any, so it
// re-enters the loop promptly instead of waiting for its next scheduled
// deadline. Satisfies timer.RunLoopHandle, queue.RunLoopHandle, and
// rtchan.RunLoopHandle, letting those packages notify a bound run-loop
// without importing this one. A no-op if nobody is currently blocked in
// Run — the loop will see whatever changed on its very next iteration
// regardless.
func (r *RunLoop) Wake() {
	r.k.Lock()
	th, ok := r.k.Unblock(r.waiters, kernel.StatusSuccess)
	if ok {
		th.SetScratch((func())(nil))
	}
	r.k.Unlock()
	if ok {
		// Wake takes no self parameter; see kernel.SettleAfterUnlock's doc
		// for why that means nil, not r.k.CurrentThread().
		r.k.SettleAfterUnlock(nil)
	}
}

// Run pumps the run-loop on self's behalf (spec.md §4.7's run loop) until
// Stop is called or timeout (kernel.Infinite for no timeout) elapses with
// nothing to do. Returns RunError if self is not the run-loop's owner, if
// the run-loop was deleted, or if another call to Run is already in
// progress.
func (r *RunLoop) Run(self *kernel.Thread, timeout time.Duration) (RunStatus, Named) {
	r.k.Lock()
	if r.deleted || self != r.owner || r.running {
		r.k.Unlock()
		return RunError, nil
	}
	r.running = true
	r.stopRequested = false
	hasDeadline := timeout != kernel.Infinite
	var deadlineTick uint32
	if hasDeadline {
		deadlineTick = r.k.NowLocked() + r.k.TicksFor(timeout)
	}
	r.k.Unlock()

	self.SetExtra(r)
	defer self.SetExtra(nil)

	for {
		// Step 1: drain the perform-function queue FIFO, under no kernel lock.
		for {
			r.k.Lock()
			if r.stopRequested {
				r.running = false
				r.k.Unlock()
				return RunStopped, nil
			}
			fn, ok := r.buf.PopFront()
			r.k.Unlock()
			if !ok {
				break
			}
			fn()
		}

		// Steps 2-3: associated queues, then channels, with live data.
		r.k.Lock()
		dispatch, isChannel := r.pickSourceLocked()
		r.k.Unlock()

		if dispatch != nil {
			if dispatch.hasCallback() {
				dispatch.invoke()
				continue
			}
			r.k.Lock()
			r.running = false
			r.k.Unlock()
			if isChannel {
				return RunChannelReceived, dispatch.target()
			}
			return RunQueueReceived, dispatch.target()
		}

		// Step 4: block until woken, or the overall timeout elapses.
		r.k.Lock()
		if r.stopRequested {
			r.running = false
			r.k.Unlock()
			return RunStopped, nil
		}
		wait := kernel.Infinite
		if hasDeadline {
			now := r.k.NowLocked()
			if now >= deadlineTick {
				r.running = false
				r.k.Unlock()
				return RunTimeout, nil
			}
			wait = time.Duration(deadlineTick-now) * r.k.Quantum()
		}
		status := r.k.Block(self, r.waiters, wait)
		if status == kernel.StatusTimeout {
			r.k.Lock()
			r.running = false
			r.k.Unlock()
			return RunTimeout, nil
		}
		if fn, ok := self.Scratch().(func()); ok && fn != nil {
			fn()
		}
		// On to step 1 again.
	}
}

// pickSourceLocked implements steps 2-3 of the run loop: the first
// associated queue with a live element, else the first associated channel
// with a pending sender. Must be called with the kernel lock held.
func (r *RunLoop) pickSourceLocked() (src source, isChannel bool) {
	for _, s := range r.queues {
		if s.hasData() {
			return s, false
		}
	}
	for _, s := range r.channels {
		if s.hasData() {
			return s, true
		}
	}
	return nil, false
}

// Stop requests that the thread currently inside Run return once it next
// checks in — either immediately, if it is idle and gets woken by this
// call, or after it finishes whatever action it is currently running.
// Idempotent (spec.md §4.7); does not itself report whether a Run call was
// in progress, matching stop's "set the flag, wake" wording.
func (r *RunLoop) Stop() kernel.Status {
	r.k.Lock()
	r.stopRequested = true
	th, ok := r.k.Unblock(r.waiters, kernel.StatusSuccess)
	if ok {
		th.SetScratch((func())(nil))
	}
	r.k.Unlock()
	if ok {
		// Stop takes no self parameter; see kernel.SettleAfterUnlock's doc
		// for why that means nil, not r.k.CurrentThread().
		r.k.SettleAfterUnlock(nil)
	}
	return kernel.StatusSuccess
}

// Delete marks the run-loop deleted (future Run calls return RunError) and
// unblocks anything waiting on it with StatusObjectDeleted. A Run call
// already in progress is not ended by Delete: the loop does not check the
// deleted flag after entry, so a Run woken this way goes round again and
// keeps running until Stop is called or its timeout elapses.
func (r *RunLoop) Delete() kernel.Status {
	r.k.Lock()
	r.deleted = true
	var woken bool
	for {
		if _, ok := r.k.Unblock(r.waiters, kernel.StatusObjectDeleted); !ok {
			break
		}
		woken = true
	}
	r.k.Unlock()
	if woken {
		// Delete takes no self parameter; see kernel.SettleAfterUnlock's doc
		// for why that means nil, not r.k.CurrentThread().
		r.k.SettleAfterUnlock(nil)
	}
	return kernel.StatusSuccess
}
