// Package queue provides the thread-safe buffer shared between the capture
// loops and the persistence manager.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a generic thread-safe append-only buffer. Producers Push, a single
// consumer drains everything at once with GetAndEmpty.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// New creates a new empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
	}
}

// NewWithCapacity creates a queue whose backing slice starts at the given
// capacity. Useful when the steady-state drain size is known.
func NewWithCapacity[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0, capacity),
	}
}

// Push appends items to the queue. It reports false, and counts the items as
// rejected, once the queue is closed.
func (q *Queue[T]) Push(items ...T) bool {
	if len(items) == 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.rejected.Add(uint64(len(items)))
		return false
	}
	q.items = append(q.items, items...)
	q.accepted.Add(uint64(len(items)))
	return true
}

// Close stops accepting items. Items already queued can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Accepted returns the number of items ever pushed.
func (q *Queue[T]) Accepted() uint64 {
	return q.accepted.Load()
}

// Rejected returns the number of items pushed after Close.
func (q *Queue[T]) Rejected() uint64 {
	return q.rejected.Load()
}

// GetAndEmpty returns all items in push order and clears the queue.
// Items pushed after the swap land in the next batch.
func (q *Queue[T]) GetAndEmpty() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.items
	q.items = make([]T, 0, cap(q.items))
	return result
}
