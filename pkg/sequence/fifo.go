// Package sequence provides small generic containers used across the
// client packages.
package sequence

import "sync"

// FIFO is a concurrency-safe first-in-first-out queue.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewFIFO creates an empty queue.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{}
}

// Push appends one item.
func (q *FIFO[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Pop removes and returns the oldest item.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Peek returns the oldest item without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue and returns how many items were dropped.
func (q *FIFO[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
