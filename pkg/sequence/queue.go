package sequence

import "container/heap"

type innerHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *innerHeap[T]) Len() int {
	return len(h.items)
}

func (h *innerHeap[T]) Less(i, j int) bool {
	return h.less(h.items[i], h.items[j])
}

func (h *innerHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *innerHeap[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *innerHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	var zero T
	old[n-1] = zero // avoid memory leak
	h.items = old[0 : n-1]
	return item
}

// Heap is a generic ordered collection driven by a caller-supplied comparator.
// The item for which less reports true against every other item is popped first.
type Heap[T any] struct {
	inner innerHeap[T]
}

func NewHeap[T any](less func(a, b T) bool) *Heap[T] {
	h := &Heap[T]{inner: innerHeap[T]{less: less}}
	heap.Init(&h.inner)
	return h
}

func (h *Heap[T]) Push(value T) {
	heap.Push(&h.inner, value)
}

func (h *Heap[T]) Pop() (T, bool) {
	if h.inner.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&h.inner).(T), true
}

func (h *Heap[T]) Peek() (T, bool) {
	if h.inner.Len() == 0 {
		var zero T
		return zero, false
	}
	return h.inner.items[0], true
}

func (h *Heap[T]) Len() int {
	return h.inner.Len()
}

func (h *Heap[T]) IsEmpty() bool {
	return h.inner.Len() == 0
}
