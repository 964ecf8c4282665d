package rtchan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-rtkernel/kernel"
	"github.com/joeycumines/go-rtkernel/rtchan"
)

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	k := kernel.New(kernel.WithQuantum(time.Millisecond))
	k.Start()
	t.Cleanup(k.Stop)
	return k
}

func TestChannel_ReceiverFirst(t *testing.T) {
	k := newKernel(t)
	ch := rtchan.New[string](k, "ch")

	got := make(chan string, 1)
	_, _ = k.CreateThread("receiver", 10, kernel.MinStackSize, func(any) {
		v, status := ch.Receive(k.CurrentThread(), kernel.Infinite)
		require.Equal(t, kernel.StatusSuccess, status)
		got <- v
	}, nil)

	time.Sleep(20 * time.Millisecond)
	_, _ = k.CreateThread("sender", 10, kernel.MinStackSize, func(any) {
		require.Equal(t, kernel.StatusSuccess, ch.Send(k.CurrentThread(), "hello", kernel.Infinite))
	}, nil)

	require.Equal(t, "hello", <-got)
}

func TestChannel_SenderFirst(t *testing.T) {
	k := newKernel(t)
	ch := rtchan.New[int](k, "ch")

	sent := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("sender", 10, kernel.MinStackSize, func(any) {
		sent <- ch.Send(k.CurrentThread(), 42, kernel.Infinite)
	}, nil)

	time.Sleep(20 * time.Millisecond)
	got := make(chan int, 1)
	_, _ = k.CreateThread("receiver", 10, kernel.MinStackSize, func(any) {
		v, status := ch.Receive(k.CurrentThread(), kernel.Infinite)
		require.Equal(t, kernel.StatusSuccess, status)
		got <- v
	}, nil)

	require.Equal(t, 42, <-got)
	require.Equal(t, kernel.StatusSuccess, <-sent)
}

func TestChannel_ReceiveTimesOutWithNoSender(t *testing.T) {
	k := newKernel(t)
	ch := rtchan.New[int](k, "ch")

	result := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("receiver", 10, kernel.MinStackSize, func(any) {
		_, status := ch.Receive(k.CurrentThread(), 15*time.Millisecond)
		result <- status
	}, nil)

	require.Equal(t, kernel.StatusTimeout, <-result)
}

func TestChannel_DeleteWakesBothSidesWithObjectDeleted(t *testing.T) {
	k := newKernel(t)
	sendCh := rtchan.New[int](k, "sendCh")
	recvCh := rtchan.New[int](k, "recvCh")

	sendResult := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("sender", 10, kernel.MinStackSize, func(any) {
		sendResult <- sendCh.Send(k.CurrentThread(), 1, kernel.Infinite)
	}, nil)

	recvResult := make(chan kernel.Status, 1)
	_, _ = k.CreateThread("receiver", 10, kernel.MinStackSize, func(any) {
		_, status := recvCh.Receive(k.CurrentThread(), kernel.Infinite)
		recvResult <- status
	}, nil)

	time.Sleep(20 * time.Millisecond)
	require.True(t, sendCh.PendingSend())
	require.True(t, sendCh.Delete().Ok())
	require.True(t, recvCh.Delete().Ok())

	select {
	case got := <-sendResult:
		require.Equal(t, kernel.StatusObjectDeleted, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sender")
	}
	select {
	case got := <-recvResult:
		require.Equal(t, kernel.StatusObjectDeleted, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for receiver")
	}
}
