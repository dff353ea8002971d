// File: mq/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue moves discrete messages across the goroutine boundary through a
// fixed SlotPool. The pool rings are single-producer/single-consumer, so
// each side is serialized by its own mutex.

package mq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/pool"
)

// Message is one queued unit. Node routes outbound messages (zero means
// every peer) and names the source of inbound ones.
type Message struct {
	Type api.MsgType
	Node api.NodeID
	Data []byte
}

// Waker is notified after every successful enqueue. reactor.Async
// satisfies it; several sends may collapse into one wake.
type Waker interface {
	Send() error
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithWaker wakes w after every enqueue.
func WithWaker(w Waker) QueueOption {
	return func(q *Queue) { q.waker = w }
}

// WithQueueMetrics reports operations and depth under the queue name.
func WithQueueMetrics(m *control.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// Queue is safe for any number of producers and consumers.
type Queue struct {
	name    string
	slots   *pool.SlotPool
	pmu     sync.Mutex
	cmu     sync.Mutex
	closed  atomic.Bool
	waker   Waker
	metrics *control.Metrics
}

// NewQueue creates a queue of capacity slots (rounded up to a power of two)
// with slotSize bytes preallocated per slot.
func NewQueue(name string, capacity, slotSize int, opts ...QueueOption) *Queue {
	q := &Queue{
		name:  name,
		slots: pool.NewSlotPool(capacity, slotSize),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name returns the queue name used in metrics.
func (q *Queue) Name() string { return q.name }

// Cap returns the number of slots.
func (q *Queue) Cap() int { return q.slots.Cap() }

// ApproxActiveLen returns the number of queued messages. Advisory.
func (q *Queue) ApproxActiveLen() int { return q.slots.ApproxActiveLen() }

// ApproxReadyLen returns the number of free slots. Advisory.
func (q *Queue) ApproxReadyLen() int { return q.slots.ApproxReadyLen() }

// Enqueue copies msg into a free slot. It returns api.ErrFull when every
// slot is taken and api.ErrClosed after Close.
func (q *Queue) Enqueue(msg Message) error {
	if !msg.Type.Valid() || msg.Type == api.MsgNone {
		return fmt.Errorf("enqueue %s: %w", msg.Type, api.ErrInvalidArgument)
	}
	if q.closed.Load() {
		q.metrics.QueueOp(q.name, "closed")
		return api.ErrClosed
	}
	q.pmu.Lock()
	err := q.slots.Push(msg.Type, msg.Node, msg.Data)
	q.pmu.Unlock()
	if err != nil {
		q.metrics.QueueOp(q.name, "full")
		return err
	}
	q.metrics.QueueOp(q.name, "ok")
	q.metrics.SetQueueDepth(q.name, q.slots.ApproxActiveLen())
	if q.waker != nil {
		_ = q.waker.Send()
	}
	return nil
}

// Dequeue removes the oldest message and returns a copy of it. After Close
// the remaining messages are still delivered; then api.ErrClosed.
func (q *Queue) Dequeue() (Message, error) {
	var msg Message
	err := q.consume(func(s *pool.Slot) {
		msg = Message{Type: s.Type, Node: s.Node, Data: append([]byte(nil), s.Payload...)}
	})
	return msg, err
}

// DequeueInto copies up to len(out) payload bytes of the oldest message
// into out. size is the full payload length and may exceed len(out).
func (q *Queue) DequeueInto(out []byte) (t api.MsgType, node api.NodeID, size int, err error) {
	err = q.consume(func(s *pool.Slot) {
		t, node, size = s.Type, s.Node, len(s.Payload)
		copy(out, s.Payload)
	})
	return t, node, size, err
}

// Drain hands every queued message to fn and returns how many it saw.
// msg.Data is only valid during fn.
func (q *Queue) Drain(fn func(msg Message)) int {
	n := 0
	for {
		err := q.consume(func(s *pool.Slot) {
			fn(Message{Type: s.Type, Node: s.Node, Data: s.Payload})
		})
		if err != nil {
			return n
		}
		n++
	}
}

func (q *Queue) consume(fn func(*pool.Slot)) error {
	q.cmu.Lock()
	err := q.slots.Dequeue(fn)
	q.cmu.Unlock()
	if errors.Is(err, api.ErrEmpty) && q.closed.Load() {
		return api.ErrClosed
	}
	if err == nil {
		q.metrics.SetQueueDepth(q.name, q.slots.ApproxActiveLen())
	}
	return err
}

// Close rejects further enqueues.
func (q *Queue) Close() {
	q.closed.Store(true)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool { return q.closed.Load() }
