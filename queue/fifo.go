// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "sync"

// FIFO is an unbounded first-in first-out sequence safe for concurrent use.
type FIFO[T comparable] struct {
	mu    sync.Mutex
	items []T
}

// NewFIFO creates an empty FIFO.
func NewFIFO[T comparable]() *FIFO[T] {
	return &FIFO[T]{}
}

// Enqueue appends v to the tail.
func (q *FIFO[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Dequeue removes and returns the head.
func (q *FIFO[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Peek returns the head without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// DrainAll removes and returns every element in FIFO order.
func (q *FIFO[T]) DrainAll() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Remove deletes the first element equal to v, keeping the order of the rest.
func (q *FIFO[T]) Remove(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item == v {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued elements.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued elements in FIFO order.
func (q *FIFO[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
