// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream server: accept loop, admission control, per-node event fan-out and
// orderly teardown. Accept runs on its own goroutine and posts every
// connection to the loop; all state below is loop-confined.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/conn"
	"github.com/momentics/hioload-mq/internal/invariant"
	"github.com/momentics/hioload-mq/transport"
)

// New builds a server in the Created state.
func New(cfg Config, loop api.Reactor, h Handler, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loop == nil || h == nil {
		return nil, fmt.Errorf("server: %w: nil loop or handler", api.ErrInvalidArgument)
	}
	ep, err := transport.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if !ep.IsStream() {
		return nil, fmt.Errorf("server %s: %w: datagram endpoint", ep, api.ErrInvalidArgument)
	}
	s := &Server{
		cfg:      cfg,
		ep:       ep,
		loop:     loop,
		handler:  h,
		name:     "srv-" + nuid.Next(),
		log:      zerolog.Nop(),
		warn:     rate.NewLimiter(rate.Every(time.Second), 10),
		state:    api.ServerCreated,
		registry: NewRegistry[*Node](cfg.MaxNodes),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("server", s.name).Str("endpoint", ep.String()).Logger()
	return s, nil
}

// Name returns the instance name.
func (s *Server) Name() string { return s.name }

// State returns the lifecycle state.
func (s *Server) State() api.ServerState { return s.state }

// Len returns the number of admitted nodes.
func (s *Server) Len() int { return s.registry.Len() }

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Lookup returns the live node for id.
func (s *Server) Lookup(id api.NodeID) (*Node, bool) {
	return s.registry.Lookup(id)
}

// Range calls fn for every live node until it returns false.
func (s *Server) Range(fn func(*Node) bool) {
	s.registry.Range(func(_ api.NodeID, n *Node) bool { return fn(n) })
}

// Listen binds the endpoint and starts accepting.
func (s *Server) Listen(ctx context.Context) error {
	if s.state != api.ServerCreated {
		return fmt.Errorf("listen in state %s: %w", s.state, api.ErrIllegalState)
	}
	ln, err := transport.Listen(ctx, s.ep, transport.ListenOptions{
		Socket:   s.cfg.Socket,
		MaxConns: s.cfg.MaxNodes,
	})
	if err != nil {
		return err
	}
	s.ln = ln
	s.state = api.ServerListening
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(ln)
	s.log.Info().Str("addr", ln.Addr().String()).Int("max_nodes", s.cfg.MaxNodes).Msg("listening")
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				_ = s.loop.Post(s.onListenerClosed)
				return
			}
			_ = s.loop.Post(func() { s.onIncoming(nil, err) })
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		if perr := s.loop.Post(func() { s.onIncoming(c, nil) }); perr != nil {
			_ = c.Close()
			return
		}
	}
}

func (s *Server) onIncoming(c net.Conn, err error) {
	if err != nil {
		s.metrics.AcceptError()
		s.warnf(err, "accept failed")
		return
	}
	if s.state != api.ServerListening {
		_ = c.Close()
		return
	}
	if s.registry.Full() {
		if len(s.waiting) < s.closingNodes {
			// A slot is about to free up; admit once its close completes.
			s.waiting = append(s.waiting, c)
			s.log.Debug().Str("peer", c.RemoteAddr().String()).Msg("waiting for a closing node")
			return
		}
		s.metrics.NodeRejected("capacity")
		s.log.Debug().Str("peer", c.RemoteAddr().String()).Msg("node limit reached, dropping connection")
		_ = c.Close()
		return
	}
	id, err := s.registry.Reserve()
	if err != nil {
		_ = c.Close()
		return
	}
	if !s.handler.OnAccept(id, c.RemoteAddr()) {
		s.registry.Release(id)
		s.metrics.NodeRejected("veto")
		_ = c.Close()
		return
	}

	stream := transport.NewStream(c, s.loop, transport.StreamOptions{ReadBufferSize: s.cfg.ReadBufferSize})
	n := &Node{id: id, stream: stream, created: time.Now()}
	n.writer = conn.NewWriter(nodeIO{s: s, id: id, stream: stream}, s.loop, s.cfg.Writer,
		conn.WithLogger(s.log.With().Stringer("node", id).Logger()),
		conn.WithDiscard(func(req api.RequestID, err error) { s.handler.OnWriteDone(id, req, err) }))

	if err := s.admit(n); err != nil {
		s.registry.Release(id)
		s.metrics.NodeRejected("error")
		s.warnf(err, "node setup failed")
		stream.Close(nil)
		return
	}
	s.metrics.NodeAccepted()
	s.log.Debug().Stringer("node", id).Str("peer", c.RemoteAddr().String()).Msg("node accepted")
}

func (s *Server) admit(n *Node) error {
	if err := n.writer.SetReady(); err != nil {
		return err
	}
	id := n.id
	if err := n.stream.StartRead(func(data []byte, err error) { s.onNodeRead(id, data, err) }); err != nil {
		return err
	}
	return s.registry.Commit(id, n)
}

func (s *Server) onNodeRead(id api.NodeID, data []byte, err error) {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return
	}
	if err != nil {
		if errors.Is(err, io.EOF) && n.writer.OnPeerClosed() {
			return
		}
		s.handler.OnRead(id, nil, api.TransportError("read", id, err))
		return
	}
	s.metrics.BytesRead(len(data))
	s.handler.OnRead(id, data, nil)
}

func (s *Server) onNodeWriteComplete(id api.NodeID, err error) {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return
	}
	err = api.TransportError("write", id, err)
	if err != nil {
		s.metrics.WriteResult("error")
	}
	req := n.writer.OnWriteComplete(err)
	s.handler.OnWriteDone(id, req, err)
}

func (s *Server) onNodeShutdown(id api.NodeID, err error) {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return
	}
	n.writer.OnShutdownComplete(api.TransportError("shutdown", id, err))
}

func (s *Server) onNodeClose(id api.NodeID) {
	n, ok := s.registry.Remove(id)
	invariant.Check(ok, "close callback for unknown node %s", id)
	if !ok {
		return
	}
	n.writer.OnClose()
	s.metrics.NodeClosed()
	s.log.Debug().Stringer("node", id).Dur("age", n.Age()).Msg("node closed")
	s.handler.OnNodeClosed(id)
	s.closingNodes--
	s.admitWaiting()
	s.maybeClosed()
}

// admitWaiting retries connections held back while the registry was full.
func (s *Server) admitWaiting() {
	for len(s.waiting) > 0 && (!s.registry.Full() || s.state != api.ServerListening) {
		c := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		s.onIncoming(c, nil)
	}
	if len(s.waiting) == 0 {
		s.waiting = nil
	}
}

func (s *Server) onListenerClosed() {
	s.lnClosed = true
	if s.state == api.ServerListening {
		s.log.Warn().Msg("listener closed unexpectedly")
	}
	s.maybeClosed()
}

func (s *Server) maybeClosed() {
	if s.state != api.ServerClosing || !s.lnClosed || s.registry.Len() > 0 {
		return
	}
	s.state = api.ServerClosed
	if s.suppressed > 0 {
		s.log.Info().Uint64("suppressed_warnings", s.suppressed).Msg("server closed")
	} else {
		s.log.Info().Msg("server closed")
	}
	s.handler.OnServerClosed()
}

// Write sends or queues buf on node id.
func (s *Server) Write(id api.NodeID, buf []byte) (api.WriteOutcome, api.RequestID, error) {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return 0, 0, fmt.Errorf("node %s: %w", id, api.ErrClosed)
	}
	out, req, err := n.writer.TryWrite(buf)
	switch {
	case err == nil:
		s.metrics.WriteResult(out.String())
	case errors.Is(err, api.ErrBusy):
		s.metrics.WriteResult("busy")
	case api.IsLifecycle(err):
		s.metrics.WriteResult("closed")
	default:
		s.metrics.WriteResult("error")
		err = api.TransportError("write", id, err)
	}
	return out, req, err
}

// Broadcast writes buf to every node and returns how many accepted it
// along with the combined per-node errors.
func (s *Server) Broadcast(buf []byte) (int, error) {
	var (
		accepted int
		errs     error
	)
	for _, id := range s.registry.IDs() {
		if _, _, err := s.Write(id, buf); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errs
}

// Shutdown starts a graceful shutdown of node id.
func (s *Server) Shutdown(id api.NodeID) error {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, api.ErrClosed)
	}
	return n.writer.RequestShutdown()
}

// ShutdownAfterWrites shuts node id down once its queued writes are issued.
func (s *Server) ShutdownAfterWrites(id api.NodeID) error {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, api.ErrClosed)
	}
	return n.writer.ShutdownAfterWrites()
}

// ShutdownAll requests a graceful shutdown of every node.
func (s *Server) ShutdownAll() error {
	return s.shutdownEach((*conn.Writer).RequestShutdown)
}

// ShutdownAllAfterWrites is ShutdownAll that waits for queued writes.
func (s *Server) ShutdownAllAfterWrites() error {
	return s.shutdownEach((*conn.Writer).ShutdownAfterWrites)
}

func (s *Server) shutdownEach(fn func(*conn.Writer) error) error {
	var errs error
	s.registry.Range(func(id api.NodeID, n *Node) bool {
		if err := fn(n.writer); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("node %s: %w", id, err))
		}
		return true
	})
	return errs
}

// CloseNode closes node id immediately.
func (s *Server) CloseNode(id api.NodeID) error {
	n, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("node %s: %w", id, api.ErrClosed)
	}
	n.writer.Close()
	return nil
}

// CloseAll stops accepting and closes every node. OnServerClosed runs once
// the listener and all nodes are gone.
func (s *Server) CloseAll() error {
	switch s.state {
	case api.ServerCreated:
		s.state = api.ServerClosed
		s.handler.OnServerClosed()
		return nil
	case api.ServerClosing, api.ServerClosed:
		return nil
	}
	s.state = api.ServerClosing
	s.log.Info().Int("nodes", s.registry.Len()).Msg("closing")

	var errs error
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, api.TransportError("close listener", 0, err))
	}
	for _, c := range s.waiting {
		_ = c.Close()
	}
	s.waiting = nil
	s.registry.Range(func(_ api.NodeID, n *Node) bool {
		n.writer.Close()
		return true
	})
	s.maybeClosed()
	return errs
}

// SetWriterConfig replaces the writer configuration used for nodes accepted
// from now on. Existing nodes keep theirs.
func (s *Server) SetWriterConfig(cfg conn.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Writer = cfg
	return nil
}

// AcceptDone is closed when the accept goroutine exits.
func (s *Server) AcceptDone() <-chan struct{} {
	return s.acceptDone
}

func (s *Server) warnf(err error, msg string) {
	if s.warn.Allow() {
		s.log.Warn().Err(err).Msg(msg)
		return
	}
	s.suppressed++
}
