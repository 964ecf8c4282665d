package klist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_FIFO(t *testing.T) {
	l := New[int](nil)
	require.True(t, l.Empty())

	n1 := NewNode(1)
	n2 := NewNode(2)
	n3 := NewNode(3)
	l.Insert(n1)
	l.Insert(n2)
	l.Insert(n3)

	require.Equal(t, 3, l.Len())

	var got []int
	for {
		v, ok := l.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.True(t, l.Empty())
}

func TestList_SortedInsert(t *testing.T) {
	l := New[int](func(a, b int) bool { return a < b })

	for _, v := range []int{5, 1, 4, 2, 3} {
		l.Insert(NewNode(v))
	}

	var got []int
	for {
		v, ok := l.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestList_SortedInsert_TiesKeepFIFO(t *testing.T) {
	// identical keys; distinguish identity via node pointer order of insertion
	type tagged struct{ key, seq int }
	ll := New[tagged](func(a, b tagged) bool { return a.key < b.key })
	ll.Insert(NewNode(tagged{1, 0}))
	ll.Insert(NewNode(tagged{1, 1}))
	ll.Insert(NewNode(tagged{1, 2}))

	var seqs []int
	for {
		v, ok := ll.PopFront()
		if !ok {
			break
		}
		seqs = append(seqs, v.seq)
	}
	assert.Equal(t, []int{0, 1, 2}, seqs)
}

func TestList_RemoveMiddle(t *testing.T) {
	l := New[int](nil)
	n1, n2, n3 := NewNode(1), NewNode(2), NewNode(3)
	l.Insert(n1)
	l.Insert(n2)
	l.Insert(n3)

	l.Remove(n2)
	require.Equal(t, 2, l.Len())

	var got []int
	for {
		v, ok := l.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 3}, got)
}

func TestList_Reinsert(t *testing.T) {
	l := New[int](func(a, b int) bool { return a < b })
	n1 := NewNode(10)
	n2 := NewNode(5)
	l.Insert(n1)
	l.Insert(n2)

	// simulate n1's key dropping below n2's
	n1.owner = 1
	l.Reinsert(n1)

	var got []int
	for {
		v, ok := l.PopFront()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 5}, got)
}

func TestList_DoubleInsertPanics(t *testing.T) {
	l := New[int](nil)
	n := NewNode(1)
	l.Insert(n)
	assert.Panics(t, func() { l.Insert(n) })
}

func TestList_RemoveForeignPanics(t *testing.T) {
	l1 := New[int](nil)
	l2 := New[int](nil)
	n := NewNode(1)
	l1.Insert(n)
	assert.Panics(t, func() { l2.Remove(n) })
}
