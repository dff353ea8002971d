// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, enums and identifiers.

package api

import "fmt"

// MsgType tags a message slot.
type MsgType uint8

const (
	MsgNone MsgType = iota
	MsgData
	MsgShutdown
	MsgClose
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "none"
	case MsgData:
		return "data"
	case MsgShutdown:
		return "shutdown"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// Valid reports whether t is a known message type.
func (t MsgType) Valid() bool {
	return t <= MsgClose
}

// WriteState enumerates the per-connection outbound write states.
//
//	NotReady -> Ready -> Writing -> Ready ...
//	Ready -> ShuttingDown -> Closing -> Ended
//
// Closing and Ended are absorbing.
type WriteState int

const (
	WriteNotReady WriteState = iota
	WriteReady
	WriteWriting
	WriteShuttingDown
	WriteClosing
	WriteEnded
)

func (s WriteState) String() string {
	switch s {
	case WriteNotReady:
		return "not_ready"
	case WriteReady:
		return "ready"
	case WriteWriting:
		return "writing"
	case WriteShuttingDown:
		return "shutting_down"
	case WriteClosing:
		return "closing"
	case WriteEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Disconnected reports whether no write can be accepted in this state.
func (s WriteState) Disconnected() bool {
	return s == WriteNotReady || s == WriteClosing || s == WriteEnded
}

// WriteOutcome tells the caller what happened to an accepted write.
type WriteOutcome int

const (
	// WriteSent means the write was issued to the transport immediately.
	WriteSent WriteOutcome = iota + 1
	// WriteQueued means the write was copied into the pending queue.
	WriteQueued
)

func (o WriteOutcome) String() string {
	switch o {
	case WriteSent:
		return "sent"
	case WriteQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// ServerState enumerates the lifecycle of a server or datagram transport.
type ServerState int

const (
	ServerCreated ServerState = iota
	ServerListening
	ServerClosing
	ServerClosed
)

func (s ServerState) String() string {
	switch s {
	case ServerCreated:
		return "created"
	case ServerListening:
		return "listening"
	case ServerClosing:
		return "closing"
	case ServerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NodeID identifies a node in a registry arena: the low 32 bits hold the
// slot index, the high 32 bits its generation. Generations start at 1, so
// the zero NodeID never names a live node.
type NodeID uint64

// MakeNodeID packs an arena index and generation.
func MakeNodeID(index, gen uint32) NodeID {
	return NodeID(uint64(gen)<<32 | uint64(index))
}

// Index returns the arena slot index.
func (id NodeID) Index() uint32 { return uint32(id) }

// Generation returns the arena slot generation.
func (id NodeID) Generation() uint32 { return uint32(id >> 32) }

// IsZero reports whether id is the zero (unaddressed) NodeID.
func (id NodeID) IsZero() bool { return id == 0 }

func (id NodeID) String() string {
	return fmt.Sprintf("%d.%d", id.Index(), id.Generation())
}

// RequestID identifies one write request on a connection.
type RequestID uint64
