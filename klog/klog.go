// Package klog is the kernel's ambient structured-logging seam. It wires
// github.com/joeycumines/logiface (the generic logger core) to
// github.com/joeycumines/stumpy (a small, dependency-light backend — a fitting
// choice for a microcontroller kernel) behind a tiny nil-safe facade, mirroring
// the teacher's eventloop package's pattern of an optional, package-pluggable
// logger that defaults to doing nothing on the hot path (see eventloop/logging.go,
// SetStructuredLogger/getGlobalLogger/NewNoOpLogger) — generalized here from a
// single package global to a per-kernel-instance option, since tests routinely
// run many isolated kernels in one process.
package klog

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type accepted by every kernel component's
// options (kernel.WithLogger, mutex.WithLogger, timer.WithLogger,
// runloop.WithLogger).
type Logger = *logiface.Logger[*stumpy.Event]

// Disabled returns a Logger that evaluates no fields and writes nothing, at
// effectively zero cost, used as every component's default.
func Disabled() Logger {
	return stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))
}

// Default returns a Logger writing stumpy's compact JSON-ish line format to
// the process's default writer (os.Stderr, per stumpy's own default), at
// informational level. Intended for applications that want kernel tracing
// without wiring their own backend.
func Default() Logger {
	return stumpy.L.New(
		stumpy.L.WithLevel(logiface.LevelInformational),
		stumpy.L.WithStumpy(),
	)
}

// Or returns logger if non-nil, else Disabled(). Every component's
// constructor runs its WithLogger option's value through this, so a nil
// argument (the zero value of the option, or an explicit nil) is always safe.
func Or(logger Logger) Logger {
	if logger == nil {
		return Disabled()
	}
	return logger
}
