// File: server/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"
	"time"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/conn"
	"github.com/momentics/hioload-mq/transport"
)

// Node is one accepted connection.
type Node struct {
	id      api.NodeID
	stream  *transport.Stream
	writer  *conn.Writer
	created time.Time
}

// ID returns the node id.
func (n *Node) ID() api.NodeID { return n.id }

// RemoteAddr returns the peer address.
func (n *Node) RemoteAddr() net.Addr { return n.stream.RemoteAddr() }

// WriteState returns the writer state.
func (n *Node) WriteState() api.WriteState { return n.writer.State() }

// PendingWrites returns the pending FIFO length.
func (n *Node) PendingWrites() int { return n.writer.PendingLen() }

// Age returns the time since the node was accepted.
func (n *Node) Age() time.Duration { return time.Since(n.created) }

// WriterStats returns the node's writer counters.
func (n *Node) WriterStats() conn.Stats { return n.writer.Stats() }

// nodeIO routes writer requests to the node's stream and completions back
// through the server, keyed by id.
type nodeIO struct {
	s      *Server
	id     api.NodeID
	stream *transport.Stream
}

func (io nodeIO) IssueWrite(buf []byte) error {
	return io.stream.Write(buf, func(err error) { io.s.onNodeWriteComplete(io.id, err) })
}

func (io nodeIO) IssueShutdown() error {
	return io.stream.Shutdown(func(err error) { io.s.onNodeShutdown(io.id, err) })
}

func (io nodeIO) IssueClose() {
	io.s.closingNodes++
	io.stream.Close(func() { io.s.onNodeClose(io.id) })
}
