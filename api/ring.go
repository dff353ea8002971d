// Package api
// Author: momentics@gmail.com
//
// Bounded ring contract used by the slot pool.

package api

// Ring is a bounded FIFO. Implementations document their thread model;
// the pool's rings are single-producer/single-consumer.
type Ring[T any] interface {
	// Enqueue adds an item, returns false if full.
	Enqueue(item T) bool
	// Dequeue removes oldest item, returns false if empty.
	Dequeue() (T, bool)
	// Len returns current number of items. Advisory under concurrency.
	Len() int
	// Cap returns buffer capacity.
	Cap() int
}
