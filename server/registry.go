// File: server/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Generation-indexed arena of live nodes. Callbacks carry an api.NodeID;
// an id whose slot was recycled no longer matches the slot generation and
// looks up as absent.

package server

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

type slotState uint8

const (
	slotFree slotState = iota
	slotReserved
	slotLive
)

type regSlot[T any] struct {
	gen   uint32
	state slotState
	val   T
}

// Registry is a bounded arena. Not safe for concurrent use.
type Registry[T any] struct {
	max   int
	slots []regSlot[T]
	free  []uint32
	used  int
}

// NewRegistry creates a registry admitting at most max entries.
func NewRegistry[T any](max int) *Registry[T] {
	return &Registry[T]{max: max}
}

// Cap returns the admission limit.
func (r *Registry[T]) Cap() int { return r.max }

// Len returns the number of reserved and live entries.
func (r *Registry[T]) Len() int { return r.used }

// Full reports whether Reserve would fail.
func (r *Registry[T]) Full() bool { return r.used >= r.max }

// Reserve allocates an id. The entry is invisible to Lookup until Commit.
func (r *Registry[T]) Reserve() (api.NodeID, error) {
	if r.used >= r.max {
		return 0, api.ErrFull
	}
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, regSlot[T]{})
	}
	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.state = slotReserved
	r.used++
	return api.MakeNodeID(idx, s.gen), nil
}

// Commit publishes val under a reserved id.
func (r *Registry[T]) Commit(id api.NodeID, val T) error {
	s := r.slot(id)
	if s == nil || s.state != slotReserved {
		return fmt.Errorf("commit %s: %w", id, api.ErrIllegalState)
	}
	s.val = val
	s.state = slotLive
	return nil
}

// Release abandons a reserved id.
func (r *Registry[T]) Release(id api.NodeID) {
	s := r.slot(id)
	if s == nil || s.state != slotReserved {
		return
	}
	r.recycle(id.Index(), s)
}

// Lookup returns the live entry for id.
func (r *Registry[T]) Lookup(id api.NodeID) (T, bool) {
	s := r.slot(id)
	if s == nil || s.state != slotLive {
		var zero T
		return zero, false
	}
	return s.val, true
}

// Remove deletes a live entry and returns it.
func (r *Registry[T]) Remove(id api.NodeID) (T, bool) {
	s := r.slot(id)
	if s == nil || s.state != slotLive {
		var zero T
		return zero, false
	}
	val := s.val
	r.recycle(id.Index(), s)
	return val, true
}

// Range calls fn for each live entry until fn returns false. fn may remove
// the entry it is given.
func (r *Registry[T]) Range(fn func(api.NodeID, T) bool) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.state != slotLive {
			continue
		}
		if !fn(api.MakeNodeID(uint32(i), s.gen), s.val) {
			return
		}
	}
}

// IDs returns a snapshot of the live ids.
func (r *Registry[T]) IDs() []api.NodeID {
	ids := make([]api.NodeID, 0, r.used)
	r.Range(func(id api.NodeID, _ T) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (r *Registry[T]) slot(id api.NodeID) *regSlot[T] {
	idx := id.Index()
	if id.IsZero() || int(idx) >= len(r.slots) {
		return nil
	}
	s := &r.slots[idx]
	if s.gen != id.Generation() {
		return nil
	}
	return s
}

func (r *Registry[T]) recycle(idx uint32, s *regSlot[T]) {
	var zero T
	s.val = zero
	s.state = slotFree
	r.free = append(r.free, idx)
	r.used--
}
