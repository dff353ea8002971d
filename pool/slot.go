// File: pool/slot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "github.com/momentics/hioload-mq/api"

// Slot is a single reusable message buffer. A slot is owned by its pool
// while free and by exactly one producer or consumer while checked out.
type Slot struct {
	Type api.MsgType
	// Node routes the message; zero means unaddressed.
	Node    api.NodeID
	Payload []byte
}

// Reserve makes room for n payload bytes and sets the payload length to n.
// Capacity only ever grows.
func (s *Slot) Reserve(n int) []byte {
	if cap(s.Payload) < n {
		s.Payload = make([]byte, n)
	}
	s.Payload = s.Payload[:n]
	return s.Payload
}

// Set copies data into the slot.
func (s *Slot) Set(t api.MsgType, node api.NodeID, data []byte) {
	s.Type = t
	s.Node = node
	copy(s.Reserve(len(data)), data)
}

// Reset clears the header and payload length but keeps the capacity.
func (s *Slot) Reset() {
	s.Type = api.MsgNone
	s.Node = 0
	s.Payload = s.Payload[:0]
}
