// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-capacity message slot pooling for the queue layer.
// A SlotPool pre-allocates every Slot at construction and afterwards only
// moves slots between its ready and active rings, so steady-state traffic
// performs no heap allocation beyond payload growth.
// See ring.go, slot.go and slotpool.go for implementation details.
package pool
