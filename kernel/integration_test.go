package kernel_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-rtkernel/kernel"
	"github.com/joeycumines/go-rtkernel/mutex"
	"github.com/joeycumines/go-rtkernel/queue"
	"github.com/joeycumines/go-rtkernel/sem"
)

// TestKernel_ProducerConsumerPipeline exercises a semaphore-gated,
// mutex-protected bounded queue under several concurrent kernel threads —
// a scenario spanning sem, mutex, and queue at once. errgroup.Group
// supervises the *test-level* goroutines driving assertions (one per kernel
// thread's externally observed outcome); it is deliberately kept outside the
// kernel lock's critical sections, which stay single-goroutine-at-a-time by
// construction.
func TestKernel_ProducerConsumerPipeline(t *testing.T) {
	k := kernel.New(kernel.WithQuantum(time.Millisecond))
	k.Start()
	t.Cleanup(k.Stop)

	const capacity = 3
	const items = 12

	q := queue.New[int](k, "pipeline", capacity)
	slots, _ := sem.New(k, "slots", capacity)
	m := mutex.New(k, "totalLock")

	total := 0
	var eg errgroup.Group

	producerDone := make(chan struct{})
	_, _ = k.CreateThread("producer", 20, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		for i := 1; i <= items; i++ {
			require.Equal(t, kernel.StatusSuccess, slots.Take(self, kernel.Infinite))
			require.Equal(t, kernel.StatusSuccess, q.Send(self, i, kernel.Infinite))
		}
		close(producerDone)
	}, nil)

	consumerDone := make(chan struct{})
	_, _ = k.CreateThread("consumer", 20, kernel.MinStackSize, func(any) {
		self := k.CurrentThread()
		for i := 0; i < items; i++ {
			v, status := q.Receive(self, kernel.Infinite)
			require.Equal(t, kernel.StatusSuccess, status)
			require.Equal(t, kernel.StatusSuccess, slots.Give())

			require.Equal(t, kernel.StatusSuccess, m.Lock(self, kernel.Infinite))
			total += v
			require.Equal(t, kernel.StatusSuccess, m.Unlock(self))
		}
		close(consumerDone)
	}, nil)

	eg.Go(func() error {
		select {
		case <-producerDone:
			return nil
		case <-time.After(2 * time.Second):
			t.Error("producer never finished")
			return nil
		}
	})
	eg.Go(func() error {
		select {
		case <-consumerDone:
			return nil
		case <-time.After(2 * time.Second):
			t.Error("consumer never finished")
			return nil
		}
	})
	require.NoError(t, eg.Wait())

	require.Equal(t, items*(items+1)/2, total)
	require.Equal(t, capacity, slots.Count())
	require.Equal(t, 0, q.Len())
}
