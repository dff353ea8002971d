// File: mq/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Node is the message-queue endpoint applications talk to. Producers on any
// goroutine enqueue into the send queue and wake the loop; the loop frames
// each message and hands it to the connection writers. Inbound bytes are
// split back into frames on the loop and pushed onto the receive queue.

package mq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-mq/adapters"
	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/client"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/server"
)

// Mode selects how a Node reaches its peers.
type Mode int

const (
	// ModeBind listens and serves many peers.
	ModeBind Mode = iota + 1
	// ModeConnect dials one peer.
	ModeConnect
	// ModeLocal loops sent messages back to the receive queue.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeBind:
		return "bind"
	case ModeConnect:
		return "connect"
	case ModeLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Node owns one loop and either a server, a client or nothing (local).
type Node struct {
	mode    Mode
	name    string
	log     zerolog.Logger
	warn    *rate.Limiter
	store   *control.ConfigStore
	metrics *control.Metrics
	ctrl    *adapters.ControlAdapter

	loop  *reactor.Loop
	group *errgroup.Group
	wake  *reactor.Async
	send  *Queue
	recv  *RecvQueue
	done  chan struct{}
	addr  net.Addr

	maxFrame  int
	accept    func(api.NodeID, net.Addr) bool
	recvHook  func(Message) bool
	writeHook func(Message) bool
	peers     atomic.Int64
	dropped   atomic.Uint64
	filtered  atomic.Uint64

	// loop-confined
	srv       *server.Server
	cli       *client.Client
	cliDec    *Decoder
	cliLinger api.Timer
	decoders  map[api.NodeID]*Decoder
	lingers   map[api.NodeID]api.Timer
	scratch   []byte
	closing   bool
	finished  bool
}

// Bind listens on cfg.Endpoint.
func Bind(ctx context.Context, cfg control.Config, opts ...Option) (*Node, error) {
	n, err := newNode(ModeBind, cfg, opts)
	if err != nil {
		return nil, err
	}
	var serr error
	err = n.loop.Call(ctx, func() {
		srv, err := server.New(serverConfig(cfg), n.loop, n.serverHandler(),
			server.WithLogger(n.log), server.WithMetrics(n.metrics))
		if err != nil {
			serr = err
			return
		}
		if err := srv.Listen(ctx); err != nil {
			serr = err
			return
		}
		n.srv = srv
		n.addr = srv.Addr()
	})
	if err = multierr.Combine(err, serr); err != nil {
		_ = n.stop()
		return nil, err
	}
	n.log.Info().Stringer("addr", n.addr).Msg("bound")
	return n, nil
}

// Connect dials cfg.Endpoint.
func Connect(ctx context.Context, cfg control.Config, opts ...Option) (*Node, error) {
	n, err := newNode(ModeConnect, cfg, opts)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, clientConfig(cfg), n.loop, n.clientHandler(), client.WithLogger(n.log))
	if err != nil {
		_ = n.stop()
		return nil, err
	}
	if err := n.loop.Call(ctx, func() { n.cli = c }); err != nil {
		_ = n.stop()
		return nil, err
	}
	n.addr = c.RemoteAddr()
	n.log.Info().Stringer("peer", n.addr).Msg("connected")
	return n, nil
}

// Local creates a loopback node: every data message sent is received back.
func Local(cfg control.Config, opts ...Option) (*Node, error) {
	return newNode(ModeLocal, cfg, opts)
}

func newNode(mode Mode, cfg control.Config, opts []Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = control.NewMetrics(cfg.Metrics.Namespace)
	}
	if o.maxFrame <= 0 {
		o.maxFrame = DefaultMaxFrameSize
	}

	n := &Node{
		mode:     mode,
		name:     "mq-" + nuid.Next(),
		warn:     rate.NewLimiter(rate.Every(time.Second), 10),
		store:    control.NewConfigStore(cfg),
		metrics:  o.metrics,
		done:     make(chan struct{}),
		maxFrame:  o.maxFrame,
		accept:    o.accept,
		recvHook:  o.recvHook,
		writeHook: o.writeHook,
		decoders:  make(map[api.NodeID]*Decoder),
		lingers:   make(map[api.NodeID]api.Timer),
		cliDec:    NewDecoder(o.maxFrame),
	}
	n.log = o.log.With().Str("mq", n.name).Stringer("mode", mode).Logger()
	n.loop = reactor.New(reactor.WithName(n.name), reactor.WithLogger(n.log), reactor.WithCPU(cfg.LoopCPU))
	n.wake = n.loop.NewAsync(n.drainSend)
	n.send = NewQueue("send", cfg.QueueCapacity, cfg.SlotSize, WithWaker(n.wake), WithQueueMetrics(n.metrics))
	n.recv = NewRecvQueue("recv", cfg.RecvQueueCapacity, cfg.SlotSize, n.metrics)

	debug := control.NewDebugProbes()
	debug.RegisterProbe("mq.mode", func() any { return mode.String() })
	debug.RegisterProbe("mq.peers", func() any { return n.peers.Load() })
	debug.RegisterProbe("mq.recv.dropped", func() any { return n.dropped.Load() })
	debug.RegisterProbe("mq.send.filtered", func() any { return n.filtered.Load() })
	debug.RegisterProbe("mq.send.active", func() any { return n.send.ApproxActiveLen() })
	debug.RegisterProbe("mq.recv.active", func() any { return n.recv.ApproxActiveLen() })
	n.ctrl = adapters.NewControlAdapter(n.store, n.metrics, debug)
	n.ctrl.OnReload(func() { _ = n.loop.Post(n.onReload) })

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return n.loop.Run(gctx) })
	n.group = g
	return n, nil
}

// Name returns the instance name.
func (n *Node) Name() string { return n.name }

// Mode returns how the node was created.
func (n *Node) Mode() Mode { return n.mode }

// Addr returns the bound address (bind), the peer address (connect) or nil.
func (n *Node) Addr() net.Addr { return n.addr }

// Done is closed once the transport has shut down.
func (n *Node) Done() <-chan struct{} { return n.done }

// Control exposes configuration, stats and probes.
func (n *Node) Control() api.Control { return n.ctrl }

// Metrics returns the node collectors.
func (n *Node) Metrics() *control.Metrics { return n.metrics }

// Stats merges metric values and probe output.
func (n *Node) Stats() map[string]any { return n.ctrl.Stats() }

// Send queues data for every peer. Safe from any goroutine; returns
// api.ErrFull when the send queue is full.
func (n *Node) Send(data []byte) error {
	return n.SendMsg(Message{Type: api.MsgData, Data: data})
}

// SendTo queues data for one peer of a bound node.
func (n *Node) SendTo(node api.NodeID, data []byte) error {
	return n.SendMsg(Message{Type: api.MsgData, Node: node, Data: data})
}

// Shutdown asks the loop to gracefully shut down every connection once the
// messages queued before it have been written.
//
// When a peer finishes sending, its last data message is followed by a
// MsgShutdown from that peer on the receive queue. Answering it with
// SendMsg(Message{Type: api.MsgShutdown, Node: msg.Node}) completes the
// exchange after any replies queued first; otherwise the connection is shut
// down after the configured shutdown timeout.
func (n *Node) Shutdown() error {
	return n.SendMsg(Message{Type: api.MsgShutdown})
}

// SendMsg queues any message type. MsgShutdown and MsgClose act on the
// connection named by msg.Node, or on all of them when it is zero.
func (n *Node) SendMsg(msg Message) error {
	if len(msg.Data) > n.maxFrame {
		return fmt.Errorf("send %d bytes: %w", len(msg.Data), ErrFrameTooLarge)
	}
	return n.send.Enqueue(msg)
}

// Recv returns the next inbound message or api.ErrEmpty.
func (n *Node) Recv() (Message, error) {
	return n.recv.Dequeue()
}

// RecvWait blocks until a message arrives, the node closes or ctx ends.
func (n *Node) RecvWait(ctx context.Context) (Message, error) {
	return n.recv.DequeueWait(ctx)
}

// Close closes the transport, waits for it to finish and stops the loop.
// Messages queued before Close are handed to the writers first.
func (n *Node) Close(ctx context.Context) error {
	if err := n.send.Enqueue(Message{Type: api.MsgClose}); err != nil && !errors.Is(err, api.ErrClosed) {
		_ = n.loop.Post(n.beginClose)
	}
	select {
	case <-n.done:
	case <-ctx.Done():
		_ = n.stop()
		return ctx.Err()
	}
	return n.stop()
}

func (n *Node) stop() error {
	n.loop.Stop()
	return n.group.Wait()
}

func (n *Node) drainSend() {
	n.send.Drain(n.dispatch)
}

func (n *Node) dispatch(msg Message) {
	switch msg.Type {
	case api.MsgData:
		n.deliver(msg)
	case api.MsgShutdown:
		n.shutdown(msg.Node)
	case api.MsgClose:
		if n.srv != nil && !msg.Node.IsZero() {
			n.noteSendError(n.srv.CloseNode(msg.Node))
			return
		}
		n.beginClose()
	}
}

func (n *Node) deliver(msg Message) {
	if n.closing {
		return
	}
	if n.writeHook != nil && !n.writeHook(msg) {
		n.filtered.Add(1)
		return
	}
	if n.mode == ModeLocal {
		n.receive(Message{Type: msg.Type, Data: msg.Data})
		return
	}
	frame := AppendFrame(n.scratch[:0], msg.Type, msg.Data)
	n.scratch = frame[:0]

	var err error
	switch {
	case n.srv != nil && msg.Node.IsZero():
		_, err = n.srv.Broadcast(frame)
	case n.srv != nil:
		_, _, err = n.srv.Write(msg.Node, frame)
	case n.cli != nil:
		_, _, err = n.cli.Write(frame)
	}
	n.noteSendError(err)
}

func (n *Node) shutdown(node api.NodeID) {
	switch {
	case n.srv != nil && node.IsZero():
		n.noteSendError(n.srv.ShutdownAllAfterWrites())
	case n.srv != nil:
		n.noteSendError(n.srv.ShutdownAfterWrites(node))
	case n.cli != nil:
		n.noteSendError(n.cli.ShutdownAfterWrites())
	}
}

// peerFinished queues the end-of-stream marker for a peer that sent EOF and
// arms the fallback that shuts the connection down if nobody answers it.
func (n *Node) peerFinished(node api.NodeID, shut func()) api.Timer {
	n.log.Debug().Stringer("node", node).Msg("peer finished sending")
	n.receive(Message{Type: api.MsgShutdown, Node: node})
	d := n.store.Get().ShutdownTimeout.Duration
	if d <= 0 {
		shut()
		return nil
	}
	t := n.loop.NewTimer(shut)
	t.Start(d)
	return t
}

func (n *Node) noteSendError(err error) {
	switch {
	case err == nil:
	case api.IsCapacity(err), api.IsLifecycle(err):
		n.log.Debug().Err(err).Msg("message not sent")
	default:
		if n.warn.Allow() {
			n.log.Warn().Err(err).Msg("send failed")
		}
	}
}

func (n *Node) receive(msg Message) {
	if n.recvHook != nil && n.recvHook(msg) {
		return
	}
	if err := n.recv.Push(msg); err != nil {
		n.dropped.Add(1)
		if n.warn.Allow() {
			n.log.Warn().Err(err).Stringer("node", msg.Node).Msg("receive queue rejected message")
		}
	}
}

func (n *Node) beginClose() {
	if n.closing {
		return
	}
	n.closing = true
	n.send.Close()
	switch {
	case n.srv != nil:
		if err := n.srv.CloseAll(); err != nil {
			n.log.Warn().Err(err).Msg("close")
		}
	case n.cli != nil && !n.cli.Closed():
		n.cli.Close()
	default:
		n.finish()
	}
}

func (n *Node) finish() {
	if n.finished {
		return
	}
	n.finished = true
	n.send.Close()
	n.recv.Close()
	n.wake.Close()
	close(n.done)
	n.log.Info().Uint64("dropped", n.dropped.Load()).Msg("closed")
}

func (n *Node) onReload() {
	cfg := n.store.Get()
	if n.srv != nil {
		if err := n.srv.SetWriterConfig(writerConfig(cfg)); err != nil {
			n.log.Warn().Err(err).Msg("reload rejected")
			return
		}
	}
	n.log.Info().Int("max_pending_writes", cfg.MaxPendingWrites).Msg("configuration reloaded")
}

func (n *Node) serverHandler() server.Handler {
	return server.Handlers{
		Accept: func(id api.NodeID, remote net.Addr) bool {
			if n.accept != nil && !n.accept(id, remote) {
				n.log.Debug().Stringer("node", id).Stringer("peer", remote).Msg("connection vetoed")
				return false
			}
			n.decoders[id] = NewDecoder(n.maxFrame)
			n.peers.Add(1)
			return true
		},
		Read: func(id api.NodeID, data []byte, err error) {
			if errors.Is(err, io.EOF) {
				t := n.peerFinished(id, func() {
					delete(n.lingers, id)
					n.noteSendError(n.srv.ShutdownAfterWrites(id))
				})
				if t != nil {
					n.lingers[id] = t
				}
				return
			}
			if err != nil {
				n.log.Debug().Err(err).Stringer("node", id).Msg("read ended")
				_ = n.srv.CloseNode(id)
				return
			}
			dec, ok := n.decoders[id]
			if !ok {
				return
			}
			if ferr := dec.Feed(data, func(t api.MsgType, p []byte) {
				n.receive(Message{Type: t, Node: id, Data: p})
			}); ferr != nil {
				n.log.Warn().Err(ferr).Stringer("node", id).Msg("bad frame, closing node")
				_ = n.srv.CloseNode(id)
			}
		},
		NodeClosed: func(id api.NodeID) {
			if t, ok := n.lingers[id]; ok {
				t.Stop()
				delete(n.lingers, id)
			}
			delete(n.decoders, id)
			n.peers.Add(-1)
		},
		ServerClose: n.finish,
	}
}

func (n *Node) clientHandler() client.Handler {
	return client.Handlers{
		Read: func(data []byte, err error) {
			if errors.Is(err, io.EOF) {
				n.cliLinger = n.peerFinished(0, func() {
					n.cliLinger = nil
					if n.cli != nil {
						n.noteSendError(n.cli.ShutdownAfterWrites())
					}
				})
				return
			}
			if err != nil {
				n.log.Debug().Err(err).Msg("read ended")
				n.closeClient()
				return
			}
			if ferr := n.cliDec.Feed(data, func(t api.MsgType, p []byte) {
				n.receive(Message{Type: t, Data: p})
			}); ferr != nil {
				n.log.Warn().Err(ferr).Msg("bad frame, closing")
				n.closeClient()
			}
		},
		Closed: func() {
			if n.cliLinger != nil {
				n.cliLinger.Stop()
			}
			n.finish()
		},
	}
}

// closeClient tolerates a read event arriving before Connect published
// the client.
func (n *Node) closeClient() {
	if n.cli != nil {
		n.cli.Close()
	}
}
