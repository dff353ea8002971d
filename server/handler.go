// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"

	"github.com/momentics/hioload-mq/api"
)

// Handler receives server events. Every method runs on the loop goroutine.
type Handler interface {
	// OnAccept vetoes a new connection from remote by returning false.
	OnAccept(id api.NodeID, remote net.Addr) bool
	// OnRead delivers inbound bytes, valid only during the call, or a read
	// error. Errors do not close the node.
	OnRead(id api.NodeID, data []byte, err error)
	// OnWriteDone reports the outcome of an accepted write.
	OnWriteDone(id api.NodeID, req api.RequestID, err error)
	// OnNodeClosed is the last event for id.
	OnNodeClosed(id api.NodeID)
	// OnServerClosed runs once the listener and every node are closed.
	OnServerClosed()
}

// Handlers adapts optional closures to Handler. A nil OnAccept admits
// every connection.
type Handlers struct {
	Accept      func(id api.NodeID, remote net.Addr) bool
	Read        func(id api.NodeID, data []byte, err error)
	WriteDone   func(id api.NodeID, req api.RequestID, err error)
	NodeClosed  func(id api.NodeID)
	ServerClose func()
}

var _ Handler = Handlers{}

func (h Handlers) OnAccept(id api.NodeID, remote net.Addr) bool {
	if h.Accept == nil {
		return true
	}
	return h.Accept(id, remote)
}

func (h Handlers) OnRead(id api.NodeID, data []byte, err error) {
	if h.Read != nil {
		h.Read(id, data, err)
	}
}

func (h Handlers) OnWriteDone(id api.NodeID, req api.RequestID, err error) {
	if h.WriteDone != nil {
		h.WriteDone(id, req, err)
	}
}

func (h Handlers) OnNodeClosed(id api.NodeID) {
	if h.NodeClosed != nil {
		h.NodeClosed(id)
	}
}

func (h Handlers) OnServerClosed() {
	if h.ServerClose != nil {
		h.ServerClose()
	}
}
