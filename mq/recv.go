// File: mq/recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package mq

import (
	"context"
	"errors"
	"sync"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// RecvQueue is the inbound half: the loop pushes decoded messages and any
// goroutine consumes them, optionally blocking until one arrives.
type RecvQueue struct {
	q      *Queue
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewRecvQueue creates an inbound queue.
func NewRecvQueue(name string, capacity, slotSize int, metrics *control.Metrics) *RecvQueue {
	return &RecvQueue{
		q:      NewQueue(name, capacity, slotSize, WithQueueMetrics(metrics)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push copies msg in and wakes one waiter. Returns api.ErrFull when the
// consumers have fallen behind.
func (r *RecvQueue) Push(msg Message) error {
	if err := r.q.Enqueue(msg); err != nil {
		return err
	}
	r.signal()
	return nil
}

// Dequeue returns the oldest message or api.ErrEmpty. Once closed and
// drained it returns api.ErrClosed.
func (r *RecvQueue) Dequeue() (Message, error) {
	msg, err := r.q.Dequeue()
	if err == nil && r.q.ApproxActiveLen() > 0 {
		// Pass the wake on to the next waiter.
		r.signal()
	}
	return msg, err
}

// DequeueInto is the copy-into-buffer variant of Dequeue.
func (r *RecvQueue) DequeueInto(out []byte) (api.MsgType, api.NodeID, int, error) {
	return r.q.DequeueInto(out)
}

// DequeueWait blocks until a message arrives, the queue is closed and
// drained, or ctx ends.
func (r *RecvQueue) DequeueWait(ctx context.Context) (Message, error) {
	for {
		msg, err := r.Dequeue()
		if !errors.Is(err, api.ErrEmpty) {
			return msg, err
		}
		select {
		case <-r.notify:
		case <-r.done:
			// A message pushed just before Close is still returned.
			return r.Dequeue()
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close rejects further pushes and releases every waiter.
func (r *RecvQueue) Close() {
	r.once.Do(func() {
		r.q.Close()
		close(r.done)
	})
}

// Cap returns the slot count.
func (r *RecvQueue) Cap() int { return r.q.Cap() }

// ApproxActiveLen returns the number of queued messages. Advisory.
func (r *RecvQueue) ApproxActiveLen() int { return r.q.ApproxActiveLen() }

// ApproxReadyLen returns the number of free slots. Advisory.
func (r *RecvQueue) ApproxReadyLen() int { return r.q.ApproxReadyLen() }

func (r *RecvQueue) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
