// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package client provides a single outbound stream connection driven by the
// same write state machine as server nodes.
//
// Dial connects off-loop, then hands the connection to the loop. Every other
// method must be called on the loop goroutine, and every Handler callback
// runs there. There is no reconnect: once closed, a Client is done.

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/conn"
	"github.com/momentics/hioload-mq/transport"
)

// Handler receives client events.
type Handler interface {
	// OnRead delivers inbound bytes, valid only during the call, or a read
	// error. Errors do not close the client.
	OnRead(data []byte, err error)
	// OnWriteDone reports the outcome of an accepted write.
	OnWriteDone(req api.RequestID, err error)
	// OnClosed is the last event.
	OnClosed()
}

// Handlers adapts optional closures to Handler.
type Handlers struct {
	Read      func(data []byte, err error)
	WriteDone func(req api.RequestID, err error)
	Closed    func()
}

func (h Handlers) OnRead(data []byte, err error) {
	if h.Read != nil {
		h.Read(data, err)
	}
}

func (h Handlers) OnWriteDone(req api.RequestID, err error) {
	if h.WriteDone != nil {
		h.WriteDone(req, err)
	}
}

func (h Handlers) OnClosed() {
	if h.Closed != nil {
		h.Closed()
	}
}

// Config holds client parameters.
type Config struct {
	Endpoint       string
	ReadBufferSize int
	Writer         conn.Config
	Socket         transport.SocketOptions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "tcp://127.0.0.1:7070",
		ReadBufferSize: transport.DefaultReadBufferSize,
		Writer:         conn.DefaultConfig(),
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client is one outbound stream.
type Client struct {
	cfg     Config
	loop    api.Reactor
	handler Handler
	name    string
	log     zerolog.Logger

	stream *transport.Stream
	writer *conn.Writer
	closed bool
}

// Dial connects to cfg.Endpoint and starts reading on loop.
func Dial(ctx context.Context, cfg Config, loop api.Reactor, h Handler, opts ...Option) (*Client, error) {
	if loop == nil || h == nil {
		return nil, fmt.Errorf("client: %w: nil loop or handler", api.ErrInvalidArgument)
	}
	if err := cfg.Writer.Validate(); err != nil {
		return nil, err
	}
	ep, err := transport.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	nc, err := transport.Dial(ctx, ep, cfg.Socket)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		loop:    loop,
		handler: h,
		name:    "cli-" + nuid.Next(),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With().Str("client", c.name).Str("endpoint", ep.String()).Logger()
	c.stream = transport.NewStream(nc, loop, transport.StreamOptions{ReadBufferSize: cfg.ReadBufferSize})
	c.writer = conn.NewWriter(clientIO{c}, loop, cfg.Writer,
		conn.WithLogger(c.log),
		conn.WithDiscard(func(req api.RequestID, err error) { c.handler.OnWriteDone(req, err) }))

	if err := loop.Post(c.start); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) start() {
	if err := c.writer.SetReady(); err != nil {
		c.writer.Close()
		return
	}
	if err := c.stream.StartRead(c.onRead); err != nil {
		c.log.Warn().Err(err).Msg("start read failed")
		c.writer.Close()
		return
	}
	c.log.Debug().Str("local", c.stream.LocalAddr().String()).Msg("connected")
}

// Name returns the instance name.
func (c *Client) Name() string { return c.name }

// LocalAddr returns the local address.
func (c *Client) LocalAddr() net.Addr { return c.stream.LocalAddr() }

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() net.Addr { return c.stream.RemoteAddr() }

// WriteState returns the writer state.
func (c *Client) WriteState() api.WriteState { return c.writer.State() }

// Closed reports whether OnClosed has run.
func (c *Client) Closed() bool { return c.closed }

// Write sends or queues buf.
func (c *Client) Write(buf []byte) (api.WriteOutcome, api.RequestID, error) {
	out, req, err := c.writer.TryWrite(buf)
	if err != nil && !api.IsCapacity(err) && !api.IsLifecycle(err) {
		err = api.TransportError("write", 0, err)
	}
	return out, req, err
}

// Shutdown starts a graceful shutdown of the write side.
func (c *Client) Shutdown() error {
	return c.writer.RequestShutdown()
}

// ShutdownAfterWrites shuts the write side down once queued writes are issued.
func (c *Client) ShutdownAfterWrites() error {
	return c.writer.ShutdownAfterWrites()
}

// Close closes the connection immediately.
func (c *Client) Close() {
	c.writer.Close()
}

func (c *Client) onRead(data []byte, err error) {
	if err != nil {
		if errors.Is(err, io.EOF) && c.writer.OnPeerClosed() {
			return
		}
		c.handler.OnRead(nil, api.TransportError("read", 0, err))
		return
	}
	c.handler.OnRead(data, nil)
}

func (c *Client) onWriteComplete(err error) {
	err = api.TransportError("write", 0, err)
	req := c.writer.OnWriteComplete(err)
	c.handler.OnWriteDone(req, err)
}

func (c *Client) onShutdown(err error) {
	c.writer.OnShutdownComplete(api.TransportError("shutdown", 0, err))
}

func (c *Client) onClose() {
	if c.closed {
		return
	}
	c.closed = true
	c.writer.OnClose()
	c.log.Debug().Msg("closed")
	c.handler.OnClosed()
}

type clientIO struct{ c *Client }

func (io clientIO) IssueWrite(buf []byte) error {
	return io.c.stream.Write(buf, io.c.onWriteComplete)
}

func (io clientIO) IssueShutdown() error {
	return io.c.stream.Shutdown(io.c.onShutdown)
}

func (io clientIO) IssueClose() {
	io.c.stream.Close(io.c.onClose)
}
