// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// Store holds the two delivery queues: messages waiting to be sent and
// messages sent and waiting for a reply.
type Store[T comparable] struct {
	Pending  *FIFO[T]
	Awaiting *FIFO[T]
}

// Depths is a point-in-time view of queue lengths.
type Depths struct {
	Pending  int `json:"pending"`
	Awaiting int `json:"awaiting"`
}

// NewStore creates a store with both queues empty.
func NewStore[T comparable]() *Store[T] {
	return &Store[T]{
		Pending:  NewFIFO[T](),
		Awaiting: NewFIFO[T](),
	}
}

// Depths returns the current length of both queues.
func (s *Store[T]) Depths() Depths {
	return Depths{
		Pending:  s.Pending.Len(),
		Awaiting: s.Awaiting.Len(),
	}
}
