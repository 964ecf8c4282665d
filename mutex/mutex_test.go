package mutex_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-rtkernel/kernel"
	"github.com/joeycumines/go-rtkernel/mutex"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k := kernel.New(kernel.WithQuantum(time.Millisecond))
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

func TestMutex_LockUnlockUncontended(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	done := make(chan kernel.Status, 2)
	_, _ = k.CreateThread("t", 10, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		done <- m.Lock(self, kernel.Infinite)
		done <- m.Unlock(self)
	}, nil)

	require.Equal(t, kernel.StatusSuccess, <-done)
	require.Equal(t, kernel.StatusSuccess, <-done)
	require.False(t, m.IsLocked())
}

func TestMutex_UnlockNotOwnerFails(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	results := make(chan kernel.Status, 2)
	_, _ = k.CreateThread("owner", 5, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		results <- m.Lock(self, kernel.Infinite)
		time.Sleep(50 * time.Millisecond)
	}, nil)
	_, _ = k.CreateThread("other", 5, kernel.MinStackSize, func(any) {
		time.Sleep(20 * time.Millisecond)
		results <- m.Unlock(k.CurrentThread())
	}, nil)

	require.Equal(t, kernel.StatusSuccess, <-results)
	require.Equal(t, kernel.StatusNotOwner, <-results)
}

func TestMutex_PriorityInheritance(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	low, _ := k.CreateThread("low", 5, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		_ = m.Lock(self, kernel.Infinite)
		time.Sleep(40 * time.Millisecond)
		_ = m.Unlock(self)
	}, nil)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.Priority(5), low.Priority())

	blocked := make(chan struct{})
	_, _ = k.CreateThread("high", 50, kernel.MinStackSize, func(any) {
		close(blocked)
		_ = m.Lock(k.CurrentThread(), kernel.Infinite)
	}, nil)

	<-blocked
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.Priority(50), low.Priority())
}

func TestMutex_RecursiveLockRoundTrip(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	done := make(chan kernel.Status, 4)
	_, _ = k.CreateThread("t", 10, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		done <- m.Lock(self, kernel.Infinite)
		done <- m.Lock(self, kernel.Infinite)
		done <- m.Unlock(self)
		done <- m.Unlock(self)
	}, nil)

	for i := 0; i < 4; i++ {
		require.Equal(t, kernel.StatusSuccess, <-done)
	}
	require.False(t, m.IsLocked())
	require.Nil(t, m.Owner())
}

func TestMutex_UnlockWithoutLockFails(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	_, _ = k.CreateThread("t", 10, kernel.MinStackSize, func(any) {
		require.Equal(t, kernel.StatusAlreadyUnlocked, m.Unlock(k.CurrentThread()))
	}, nil)
	time.Sleep(10 * time.Millisecond)
}

// TestMutex_UnlockRestoresToOtherHeldMutexWaiter exercises spec.md §4.3's
// Design Note: a thread holding two contested mutexes must, on releasing
// one of them, have its priority restored to the highest of its own static
// priority and the head waiter of every mutex it *still* holds — not simply
// drop straight back to its base priority.
func TestMutex_UnlockRestoresToOtherHeldMutexWaiter(t *testing.T) {
	k := newKernel(t)
	a := mutex.New(k, "a")
	b := mutex.New(k, "b")

	low, _ := k.CreateThread("low", 5, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		_ = a.Lock(self, kernel.Infinite)
		_ = b.Lock(self, kernel.Infinite)
		time.Sleep(80 * time.Millisecond)
		_ = a.Unlock(self)
		time.Sleep(40 * time.Millisecond)
		_ = b.Unlock(self)
	}, nil)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.Priority(5), low.Priority())

	midBlocked := make(chan struct{})
	_, _ = k.CreateThread("mid", 30, kernel.MinStackSize, func(any) {
		close(midBlocked)
		_ = a.Lock(k.CurrentThread(), kernel.Infinite)
	}, nil)
	<-midBlocked

	highBlocked := make(chan struct{})
	_, _ = k.CreateThread("high", 60, kernel.MinStackSize, func(any) {
		close(highBlocked)
		_ = b.Lock(k.CurrentThread(), kernel.Infinite)
	}, nil)
	<-highBlocked

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, kernel.Priority(60), low.Priority())

	// low releases mutex a (boosted by mid, priority 30) but still holds b
	// (boosted by high, priority 60): its effective priority must stay at
	// 60, not drop to mid's 30 nor all the way to its own base of 5.
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, kernel.Priority(60), low.Priority())

	// once b is released too, low falls back to its own base priority.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, kernel.Priority(5), low.Priority())
}

func TestMutex_DeleteWakesWaitersWithObjectDeleted(t *testing.T) {
	k := newKernel(t)
	m := mutex.New(k, "m")

	owner, _ := k.CreateThread("owner", 10, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		_ = m.Lock(self, kernel.Infinite)
		_ = k.Sleep(self, 100*time.Millisecond)
	}, nil)
	_ = owner

	waiting := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("waiter", 10, kernel.MinStackSize, func(any) {
		waiting <- m.Lock(k.CurrentThread(), kernel.Infinite)
	}, nil)

	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Delete().Ok())

	select {
	case got := <-waiting:
		require.Equal(t, kernel.StatusObjectDeleted, got)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.False(t, m.IsLocked())
}
