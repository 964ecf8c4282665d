package kernel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-rtkernel/kernel"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k := kernel.New(kernel.WithQuantum(time.Millisecond))
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

func TestKernel_HigherPriorityRunsFirst(t *testing.T) {
	k := newKernel(t)

	// A gatekeeper thread above both contenders' priority holds the baton
	// (via a real, non-kernel sleep, so it never yields) while "low" and
	// "high" are created underneath it — guaranteeing both sit in the ready
	// set, never running, until the gate lets go and the scheduler must
	// pick purely by priority.
	_, _ = k.CreateThread("gate", 200, kernel.MinStackSize, func(any) {
		time.Sleep(20 * time.Millisecond)
	}, nil)

	order := make(chan string, 2)
	_, _ = k.CreateThread("low", 5, kernel.MinStackSize, func(any) {
		order <- "low"
	}, nil)
	_, _ = k.CreateThread("high", 50, kernel.MinStackSize, func(any) {
		order <- "high"
	}, nil)

	require.Equal(t, "high", <-order)
	require.Equal(t, "low", <-order)
}

func TestKernel_SleepWakesAfterDeadline(t *testing.T) {
	k := newKernel(t)

	started := time.Now()
	woke := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("sleeper", 10, kernel.MinStackSize, func(any) {
		woke <- k.Sleep(k.CurrentThread(), 20*time.Millisecond)
	}, nil)

	status := <-woke
	require.Equal(t, kernel.StatusSuccess, status)
	require.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}

// TestKernel_SleepInfiniteSelfSuspends exercises spec.md §8's named Testable
// Property "sleep(infinite) is equivalent to suspend(self)": a sleeper
// passed the infinite sentinel must never wake on its own — it stays parked
// until another thread explicitly resumes it.
func TestKernel_SleepInfiniteSelfSuspends(t *testing.T) {
	k := newKernel(t)

	woke := make(chan kernel.Status, 1)
	th, _ := k.CreateThread("sleeper", 10, kernel.MinStackSize, func(any) {
		woke <- k.Sleep(k.CurrentThread(), kernel.Infinite)
	}, nil)

	time.Sleep(20 * time.Millisecond)
	select {
	case <-woke:
		t.Fatal("sleeper woke on its own despite an infinite duration")
	default:
	}
	require.Equal(t, kernel.StateSuspended, th.State())

	require.Equal(t, kernel.StatusSuccess, k.Resume(th))
	require.Equal(t, kernel.StatusSuccess, <-woke)
}

// TestKernel_SleepZeroIsTrueNoOp exercises spec.md §4.1's "if ms is 0,
// no-op" and §8's matching boundary behavior: sleep(0) must not hand the
// baton to an equal-priority ready peer.
func TestKernel_SleepZeroIsTrueNoOp(t *testing.T) {
	k := newKernel(t)

	// A gatekeeper above both contenders holds the baton via a real sleep
	// so "first" and "second" both sit in the ready set until it lets go.
	_, _ = k.CreateThread("gate", 200, kernel.MinStackSize, func(any) {
		time.Sleep(20 * time.Millisecond)
	}, nil)

	order := make(chan string, 2)
	_, _ = k.CreateThread("first", 10, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		require.Equal(t, kernel.StatusSuccess, k.Sleep(self, 0))
		order <- "first"
	}, nil)
	_, _ = k.CreateThread("second", 10, kernel.MinStackSize, func(any) {
		order <- "second"
	}, nil)

	// Both are priority 10, same as each other; FIFO-within-priority plus a
	// true no-op sleep(0) means "first" must finish before "second" ever
	// gets a turn, since sleep(0) does not reschedule at all.
	require.Equal(t, "first", <-order)
	require.Equal(t, "second", <-order)
}

func TestKernel_SuspendResume(t *testing.T) {
	k := newKernel(t)

	// A high-priority thread that never yields keeps the scheduler from
	// ever granting "t" the baton, so "t" is guaranteed to still be Ready
	// (never Running) when Suspend is called on it from outside.
	_, _ = k.CreateThread("hog", 100, kernel.MinStackSize, func(any) {
		time.Sleep(60 * time.Millisecond)
	}, nil)

	ran := make(chan struct{})
	th, _ := k.CreateThread("t", 10, kernel.MinStackSize, func(any) {
		close(ran)
	}, nil)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.StateReady, th.State())
	require.Equal(t, kernel.StatusSuccess, k.Suspend(nil, th))
	require.Equal(t, kernel.StateSuspended, th.State())

	require.Equal(t, kernel.StatusSuccess, k.Resume(th))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("resumed thread never ran")
	}
}

func TestKernel_CreateThreadValidatesParameters(t *testing.T) {
	k := newKernel(t)

	_, status := k.CreateThread("t", kernel.PriorityIdle, kernel.MinStackSize, func(any) {}, nil)
	require.Equal(t, kernel.StatusInvalidPriority, status)

	_, status = k.CreateThread("t", 10, 1, func(any) {}, nil)
	require.Equal(t, kernel.StatusStackTooSmall, status)

	_, status = k.CreateThread("t", 10, kernel.MinStackSize, nil, nil)
	require.Equal(t, kernel.StatusInvalidParameter, status)
}

// TestKernel_NullHandleOpsRejected exercises spec.md §4.1's "operations on a
// null handle fail with InvalidParameter" for DeleteThread, Suspend, Resume,
// and SetPriority.
func TestKernel_NullHandleOpsRejected(t *testing.T) {
	k := newKernel(t)

	require.Equal(t, kernel.StatusInvalidParameter, k.DeleteThread(nil))
	require.Equal(t, kernel.StatusInvalidParameter, k.Suspend(nil, nil))
	require.Equal(t, kernel.StatusInvalidParameter, k.Resume(nil))
	require.Equal(t, kernel.StatusInvalidParameter, k.SetPriority(nil, 10))
}

func TestKernel_DeleteRunningThreadRejected(t *testing.T) {
	k := newKernel(t)

	blocked := make(chan struct{})
	th, _ := k.CreateThread("t", 200, kernel.MinStackSize, func(any) {
		<-blocked
	}, nil)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.StatusInvalidState, k.DeleteThread(th))
	close(blocked)
}

func TestKernel_RegistryLookup(t *testing.T) {
	k := kernel.New(kernel.WithQuantum(time.Millisecond), kernel.WithRegistry(true))
	k.Start()
	t.Cleanup(k.Stop)

	done := make(chan struct{})
	_, _ = k.CreateThread("named", 10, kernel.MinStackSize, func(any) {
		<-done
	}, nil)

	time.Sleep(10 * time.Millisecond)
	th, ok := k.FindByName("named")
	require.True(t, ok)
	require.Equal(t, "named", th.Name())
	close(done)

	_, ok = k.FindByName("nonexistent")
	require.False(t, ok)
}
