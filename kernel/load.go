package kernel

// loadMonitor tracks the fraction of recent scheduling decisions that
// switched into the idle thread rather than real work, the optional
// system-load accounting named in SPEC_FULL.md §D. It is a plain sliding
// window over a fixed
// number of scheduling decisions, the same shape as catrate's fixed-size
// ring of recent samples (see _examples/joeycumines-go-utilpkg/catrate),
// adapted here to count context switches rather than rate-limited events.
type loadMonitor struct {
	window   [windowSize]bool // true = switched into idle
	pos      int
	filled   int
	idleHits int
}

const windowSize = 64

func newLoadMonitor() *loadMonitor { return &loadMonitor{} }

// onSwitch records a scheduling decision. Must be called with the kernel
// lock held.
func (m *loadMonitor) onSwitch(toIdle bool, _ uint32) {
	if m.filled == windowSize {
		if m.window[m.pos] {
			m.idleHits--
		}
	} else {
		m.filled++
	}
	m.window[m.pos] = toIdle
	if toIdle {
		m.idleHits++
	}
	m.pos = (m.pos + 1) % windowSize
}

// idleFraction returns the fraction, in [0,1], of the last N scheduling
// decisions that switched into the idle thread. Must be called with the
// kernel lock held.
func (m *loadMonitor) idleFraction() float64 {
	if m.filled == 0 {
		return 1
	}
	return float64(m.idleHits) / float64(m.filled)
}

// Load returns the current system load, defined as 1 minus the idle
// fraction over the monitor's window (0 = fully idle, 1 = never idles).
// Returns 0 if WithLoadMonitor was not enabled.
func (k *Kernel) Load() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.load == nil {
		return 0
	}
	return 1 - k.load.idleFraction()
}
