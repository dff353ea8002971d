// File: datagram/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connectionless transport with the server lifecycle:
// Created -> Listening -> Closing -> Closed. A reader goroutine hands each
// packet to the loop and waits for the callback before reusing its buffer;
// a sender goroutine drains a bounded request channel.

package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/transport"
)

// Defaults for Config.
const (
	DefaultReadBufferSize = 64 * 1024
	DefaultMaxInflight    = 256
)

// Config holds datagram transport parameters.
type Config struct {
	Endpoint       string // udp://host:port or unixgram:///path
	ReadBufferSize int
	MaxInflight    int // uncompleted SendTo requests before ErrBusy
	Socket         transport.SocketOptions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "udp://127.0.0.1:0",
		ReadBufferSize: DefaultReadBufferSize,
		MaxInflight:    DefaultMaxInflight,
	}
}

// Option customizes a Transport.
type Option func(*Transport)

// WithPacketHandler sets the inbound packet callback. data is only valid
// during the call.
func WithPacketHandler(fn func(from net.Addr, data []byte)) Option {
	return func(t *Transport) { t.onPacket = fn }
}

// WithClosedHandler sets the callback run once the transport is Closed.
func WithClosedHandler(fn func()) Option {
	return func(t *Transport) { t.onClosed = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *control.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

type sendReq struct {
	to   net.Addr
	buf  []byte
	done func(error)
}

// Transport is a datagram endpoint confined to one loop. Except for New,
// methods must be called on the loop goroutine.
type Transport struct {
	cfg     Config
	ep      transport.Endpoint
	loop    api.Poster
	name    string
	log     zerolog.Logger
	metrics *control.Metrics
	warn    *rate.Limiter

	onPacket func(net.Addr, []byte)
	onClosed func()

	state  api.ServerState
	pc     net.PacketConn
	sends  chan sendReq
	quit   chan struct{}
	ack    chan struct{}
	wg     sync.WaitGroup
	queued int
}

// New creates a transport in the Created state.
func New(cfg Config, loop api.Poster, opts ...Option) (*Transport, error) {
	if loop == nil {
		return nil, fmt.Errorf("datagram: %w: nil loop", api.ErrInvalidArgument)
	}
	ep, err := transport.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if ep.IsStream() {
		return nil, fmt.Errorf("datagram %s: %w: stream endpoint", ep, api.ErrInvalidArgument)
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	t := &Transport{
		cfg:   cfg,
		ep:    ep,
		loop:  loop,
		name:  "dgram-" + nuid.Next(),
		log:   zerolog.Nop(),
		warn:  rate.NewLimiter(rate.Every(time.Second), 10),
		state: api.ServerCreated,
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With().Str("datagram", t.name).Str("endpoint", ep.String()).Logger()
	return t, nil
}

// State returns the lifecycle state.
func (t *Transport) State() api.ServerState { return t.state }

// LocalAddr returns the bound address, or nil before Listen.
func (t *Transport) LocalAddr() net.Addr {
	if t.pc == nil {
		return nil
	}
	return t.pc.LocalAddr()
}

// Queued returns the number of SendTo requests not yet completed.
func (t *Transport) Queued() int { return t.queued }

// Listen binds the endpoint and starts the reader and sender.
func (t *Transport) Listen(ctx context.Context) error {
	if t.state != api.ServerCreated {
		return fmt.Errorf("listen in state %s: %w", t.state, api.ErrIllegalState)
	}
	pc, err := transport.ListenPacket(ctx, t.ep, t.cfg.Socket)
	if err != nil {
		return err
	}
	t.pc = pc
	t.sends = make(chan sendReq, t.cfg.MaxInflight)
	t.quit = make(chan struct{})
	t.ack = make(chan struct{}, 1)
	t.state = api.ServerListening

	t.wg.Add(2)
	go t.readLoop()
	go t.sendLoop()
	t.log.Info().Str("addr", pc.LocalAddr().String()).Msg("listening")
	return nil
}

// SendTo queues one datagram. data is copied; done runs on the loop with
// the write result.
func (t *Transport) SendTo(to net.Addr, data []byte, done func(error)) error {
	if t.state != api.ServerListening {
		return api.ErrClosed
	}
	if to == nil {
		return fmt.Errorf("send: %w: nil address", api.ErrInvalidArgument)
	}
	if t.queued >= t.cfg.MaxInflight {
		t.metrics.Datagram("busy")
		return api.ErrBusy
	}
	// queued is bounded by the channel capacity, so this never blocks.
	t.sends <- sendReq{to: to, buf: append([]byte(nil), data...), done: done}
	t.queued++
	return nil
}

// Close stops the transport. Queued sends still run; their completions
// arrive before the closed callback.
func (t *Transport) Close() error {
	switch t.state {
	case api.ServerCreated:
		t.state = api.ServerClosed
		if t.onClosed != nil {
			t.onClosed()
		}
		return nil
	case api.ServerClosing, api.ServerClosed:
		return nil
	}
	t.state = api.ServerClosing
	close(t.quit)
	close(t.sends)
	go func() {
		// The sender exits after draining; only then is the socket closed.
		t.wg.Wait()
		_ = t.loop.Post(t.finish)
	}()
	return nil
}

func (t *Transport) finish() {
	t.state = api.ServerClosed
	t.log.Info().Msg("closed")
	if t.onClosed != nil {
		t.onClosed()
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		n, from, err := t.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			_ = t.loop.Post(func() { t.onReadError(err) })
			continue
		}
		data := buf[:n]
		perr := t.loop.Post(func() {
			if t.state == api.ServerListening {
				t.metrics.Datagram("in")
				if t.onPacket != nil {
					t.onPacket(from, data)
				}
			}
			t.ack <- struct{}{}
		})
		if perr != nil {
			return
		}
		select {
		case <-t.ack:
		case <-t.quit:
			return
		}
	}
}

func (t *Transport) sendLoop() {
	defer t.wg.Done()
	defer t.pc.Close()
	for req := range t.sends {
		_, err := t.pc.WriteTo(req.buf, req.to)
		req := req
		_ = t.loop.Post(func() { t.onSent(req, err) })
	}
}

func (t *Transport) onSent(req sendReq, err error) {
	t.queued--
	if err != nil {
		t.metrics.Datagram("error")
		err = api.TransportError("sendto", 0, err)
	} else {
		t.metrics.Datagram("out")
	}
	if req.done != nil {
		req.done(err)
	}
}

func (t *Transport) onReadError(err error) {
	t.metrics.Datagram("error")
	if t.warn.Allow() {
		t.log.Warn().Err(err).Msg("read failed")
	}
}
