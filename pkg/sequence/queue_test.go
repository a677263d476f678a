package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapOrdering(t *testing.T) {
	h := NewHeap[int](func(a, b int) bool { return a < b })
	for _, v := range []int{5, 1, 4, 2, 3} {
		h.Push(v)
	}

	require.Equal(t, 5, h.Len())
	for want := 1; want <= 5; want++ {
		got, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, h.IsEmpty())
}

func TestHeapPeekDoesNotRemove(t *testing.T) {
	h := NewHeap[string](func(a, b string) bool { return a < b })
	h.Push("b")
	h.Push("a")

	top, ok := h.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", top)
	assert.Equal(t, 2, h.Len())
}

func TestHeapEmptyPop(t *testing.T) {
	h := NewHeap[int](func(a, b int) bool { return a < b })
	_, ok := h.Pop()
	assert.False(t, ok)
	_, ok = h.Peek()
	assert.False(t, ok)
}
