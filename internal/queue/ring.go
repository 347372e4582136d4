// Package queue provides a bounded, thread-safe FIFO ring buffer.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 1024

// Ring is a bounded FIFO of T values.
type Ring[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = DefaultSize
	}
	r := &Ring[T]{
		buffer: make([]T, size),
		size:   size,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Push appends v. It never blocks; a full ring returns ErrQueueFull.
func (r *Ring[T]) Push(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrQueueClosed
	}
	if r.count == r.size {
		atomic.AddUint64(&r.totalDropped, 1)
		return ErrQueueFull
	}

	r.buffer[r.tail] = v
	r.tail = (r.tail + 1) % r.size
	r.count++
	atomic.AddUint64(&r.totalPushed, 1)

	r.cond.Signal()
	return nil
}

// Pop removes the oldest value without blocking.
func (r *Ring[T]) Pop() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		if r.closed {
			return zero, ErrQueueClosed
		}
		return zero, ErrQueueEmpty
	}
	return r.take(), nil
}

// PopWait removes the oldest value, blocking until one is available, the ring
// is closed and drained, or ctx is done.
func (r *Ring[T]) PopWait(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}

	var zero T
	if r.count > 0 {
		return r.take(), nil
	}
	if r.closed {
		return zero, ErrQueueClosed
	}
	return zero, ctx.Err()
}

// take removes the head. r.mu must be held and count > 0.
func (r *Ring[T]) take() T {
	var zero T
	v := r.buffer[r.head]
	r.buffer[r.head] = zero
	r.head = (r.head + 1) % r.size
	r.count--
	atomic.AddUint64(&r.totalPopped, 1)
	return v
}

// Len returns the current number of values in the ring.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.size
}

// Close closes the ring and wakes waiting consumers. Values already queued
// can still be popped.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// Metrics returns ring statistics.
func (r *Ring[T]) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&r.totalPushed),
		Popped:   atomic.LoadUint64(&r.totalPopped),
		Dropped:  atomic.LoadUint64(&r.totalDropped),
		Depth:    r.Len(),
		Capacity: r.size,
	}
}

// Metrics holds statistics about ring operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
