package network

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Queue is a bounded FIFO shared by one producer goroutine (the network
// worker) and one consumer (the frame loop). Push blocks while the queue is
// full; Pop never blocks.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// notFull is closed and replaced whenever space frees up.
	notFull chan struct{}
}

// NewQueue creates a queue holding at most capacity items. A capacity below
// one is treated as one.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		notFull:  make(chan struct{}),
	}
}

// Push appends item, waiting for space if the queue is full. It returns
// ctx.Err() if the context ends first and ErrQueueClosed after Close.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item, false
	}

	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.signalLocked()
	return item, true
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = make([]T, 0, q.capacity)
	if n > 0 {
		q.signalLocked()
	}
	return n
}

// Close wakes blocked producers and rejects further pushes. Queued items
// can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *Queue[T]) signalLocked() {
	close(q.notFull)
	q.notFull = make(chan struct{})
}
