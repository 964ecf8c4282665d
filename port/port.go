// Package port is the kernel's one external seam — the Go-shaped replacement
// for spec.md §6's CPU port layer. On real hardware that layer prepares stack
// frames, saves/restores CPU context across an exception, wires a periodic
// tick interrupt and a software "service call" exception, and exposes atomic
// primitives and an interrupt-mask gate. None of that exists in a hosted Go
// process: goroutines already have their own stacks and the runtime already
// schedules them. What remains — and what this package models — is the
// handful of things the kernel genuinely cannot provide for itself: a source
// of periodic ticks, an idle hook, and a hard-failure halt. Rescheduling
// requests and the interrupt-context check live in the kernel package
// itself (Kernel.Yield, Kernel.SettleAfterUnlock, Kernel.InInterrupt), not
// here. Every other kernel package treats a
// Port purely through this interface, the same way spec.md treats the real
// CPU port: an external collaborator, reached only through its interface.
package port

import "time"

// Port is the kernel's external dependency. A default, time.Ticker-backed
// implementation is provided by New; tests may substitute a fake Port to
// drive ticks deterministically without sleeping.
type Port interface {
	// StartTick begins delivering onTick once per quantum until Stop is
	// called. onTick must not block for long; it represents the kernel's
	// periodic-timer interrupt handler.
	StartTick(quantum time.Duration, onTick func()) (stop func())

	// Idle is called by the kernel's idle thread when no user thread is
	// ready. budget is the duration until the nearest sleeping thread's
	// wakeup, or one quantum if no thread is sleeping (timer deadlines are
	// not considered); Idle may sleep for up to
	// that long, or return sooner. The default port sleeps; a bare-metal port
	// would instead halt the CPU until the next interrupt (spec.md §6,
	// "enable idle-sleep").
	Idle(budget time.Duration)

	// Halt reports an unrecoverable kernel invariant violation (spec.md §7,
	// "route to _halt"). The default implementation panics; a bare-metal port
	// would instead disable interrupts and loop forever.
	Halt(reason string)
}

// defaultPort is a hosted, goroutine-friendly Port: ticks via time.Ticker,
// idles via time.Sleep, halts via panic.
type defaultPort struct{}

// New returns the default hosted Port implementation.
func New() Port { return defaultPort{} }

func (defaultPort) StartTick(quantum time.Duration, onTick func()) (stop func()) {
	ticker := time.NewTicker(quantum)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				onTick()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

func (defaultPort) Idle(budget time.Duration) {
	if budget <= 0 {
		return
	}
	time.Sleep(budget)
}

func (defaultPort) Halt(reason string) {
	panic("kernel: halt: " + reason)
}
