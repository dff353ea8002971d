// File: pool/slotpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SlotPool splits a fixed set of slots between a ready ring (free) and an
// active ring (filled, awaiting consumption). Slots are moved, never created
// or destroyed, after construction.

package pool

import (
	"github.com/momentics/hioload-mq/api"
)

// DefaultSlotSize is the payload capacity each slot starts with.
const DefaultSlotSize = 1024

// SlotPool is safe for one producer (Enqueue) and one consumer (Dequeue)
// running concurrently. Callers with several producers or consumers must
// serialize each side themselves.
type SlotPool struct {
	ready  *RingBuffer[*Slot]
	active *RingBuffer[*Slot]
	slots  []Slot
}

// NewSlotPool creates a pool of RoundCapacity(capacity) slots, each with
// slotSize bytes of payload capacity.
func NewSlotPool(capacity, slotSize int) *SlotPool {
	n := RoundCapacity(capacity)
	if slotSize < 0 {
		slotSize = 0
	}
	p := &SlotPool{
		ready:  NewRingBuffer[*Slot](uint64(n)),
		active: NewRingBuffer[*Slot](uint64(n)),
		slots:  make([]Slot, n),
	}
	for i := range p.slots {
		p.slots[i].Payload = make([]byte, 0, slotSize)
		p.ready.Enqueue(&p.slots[i])
	}
	return p
}

// Cap returns the fixed number of slots.
func (p *SlotPool) Cap() int {
	return len(p.slots)
}

// Enqueue checks out a ready slot, lets fill copy the message in and
// publishes it on the active ring. Returns api.ErrFull when no slot is free.
func (p *SlotPool) Enqueue(fill func(*Slot)) error {
	s, ok := p.ready.Dequeue()
	if !ok {
		return api.ErrFull
	}
	fill(s)
	if !p.active.Enqueue(s) {
		// active can hold every slot; this cannot fail while slots are conserved.
		p.ready.Enqueue(s)
		return api.ErrFull
	}
	return nil
}

// Dequeue checks out the oldest active slot, lets drain copy the message
// out and returns the slot to the ready ring. Returns api.ErrEmpty when
// nothing is queued. The slot must not be retained after drain returns.
func (p *SlotPool) Dequeue(drain func(*Slot)) error {
	s, ok := p.active.Dequeue()
	if !ok {
		return api.ErrEmpty
	}
	drain(s)
	s.Reset()
	p.ready.Enqueue(s)
	return nil
}

// Push copies data into a free slot.
func (p *SlotPool) Push(t api.MsgType, node api.NodeID, data []byte) error {
	return p.Enqueue(func(s *Slot) {
		s.Set(t, node, data)
	})
}

// Pop copies up to len(out) payload bytes of the oldest message into out and
// reports the message type, route and true payload size, which may exceed
// len(out) when the copy was truncated.
func (p *SlotPool) Pop(out []byte) (t api.MsgType, node api.NodeID, size int, err error) {
	err = p.Dequeue(func(s *Slot) {
		t, node, size = s.Type, s.Node, len(s.Payload)
		copy(out, s.Payload)
	})
	return t, node, size, err
}

// ApproxActiveLen returns the number of filled slots. The value is advisory:
// a concurrent producer or consumer may be moving a slot between rings.
func (p *SlotPool) ApproxActiveLen() int {
	return p.active.Len()
}

// ApproxReadyLen returns the number of free slots. Advisory, see ApproxActiveLen.
func (p *SlotPool) ApproxReadyLen() int {
	return p.ready.Len()
}
