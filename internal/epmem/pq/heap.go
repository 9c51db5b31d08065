// Package pq provides the ordered-merge building blocks of the query sweep:
// a generic binary heap and lazy cursors over sorted row streams.
package pq

import "container/heap"

// Heap is a binary heap ordered by less; Peek returns the element for which
// less holds against every other element.
type Heap[T any] struct {
	s slice[T]
}

type slice[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (s slice[T]) Len() int           { return len(s.items) }
func (s slice[T]) Less(i, j int) bool { return s.less(s.items[i], s.items[j]) }
func (s slice[T]) Swap(i, j int)      { s.items[i], s.items[j] = s.items[j], s.items[i] }
func (s *slice[T]) Push(x any)        { s.items = append(s.items, x.(T)) }
func (s *slice[T]) Pop() any {
	n := len(s.items) - 1
	x := s.items[n]
	var zero T
	s.items[n] = zero
	s.items = s.items[:n]
	return x
}

// New creates an empty heap.
func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{s: slice[T]{less: less}}
}

func (h *Heap[T]) Len() int { return h.s.Len() }

func (h *Heap[T]) Push(x T) { heap.Push(&h.s, x) }

// Pop removes and returns the top element. It panics on an empty heap.
func (h *Heap[T]) Pop() T { return heap.Pop(&h.s).(T) }

// Peek returns the top element without removing it. It panics on an empty heap.
func (h *Heap[T]) Peek() T { return h.s.items[0] }

// Drain empties the heap, handing each element to fn in no particular order.
func (h *Heap[T]) Drain(fn func(T)) {
	for _, x := range h.s.items {
		fn(x)
	}
	h.s.items = nil
}
