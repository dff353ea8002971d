// File: mq/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package mq

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/client"
	"github.com/momentics/hioload-mq/conn"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/server"
	"github.com/momentics/hioload-mq/transport"
)

// Option customizes a Node.
type Option func(*options)

type options struct {
	log       zerolog.Logger
	metrics   *control.Metrics
	maxFrame  int
	accept    func(api.NodeID, net.Addr) bool
	recvHook  func(Message) bool
	writeHook func(Message) bool
}

// WithLogger sets the logger shared by the node and its transport.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics reports into m instead of a private collector set.
func WithMetrics(m *control.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxFrameSize caps inbound frame payloads.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrame = n }
}

// WithAcceptFunc lets fn veto inbound connections of a bound node. It runs
// on the loop goroutine before the node is registered.
func WithAcceptFunc(fn func(id api.NodeID, remote net.Addr) bool) Option {
	return func(o *options) { o.accept = fn }
}

// WithRecvHook sees every inbound message on the loop goroutine before it
// is queued. Returning true consumes the message. msg.Data is only valid
// during the call.
func WithRecvHook(fn func(msg Message) bool) Option {
	return func(o *options) { o.recvHook = fn }
}

// WithWriteHook sees every outbound data message on the loop goroutine
// before it is framed. Returning false drops the message.
func WithWriteHook(fn func(msg Message) bool) Option {
	return func(o *options) { o.writeHook = fn }
}

func writerConfig(cfg control.Config) conn.Config {
	return conn.Config{
		MaxPending:          cfg.MaxPendingWrites,
		ShutdownTimeout:     cfg.ShutdownTimeout.Duration,
		WriteTimeout:        cfg.WriteTimeout.Duration,
		MaxWriteFailures:    cfg.MaxWriteFailures,
		FlushBeforeShutdown: cfg.FlushBeforeShutdown,
	}
}

func serverConfig(cfg control.Config) server.Config {
	return server.Config{
		Endpoint:       cfg.Endpoint,
		MaxNodes:       cfg.MaxNodes,
		ReadBufferSize: cfg.ReadBufferSize,
		Writer:         writerConfig(cfg),
		Socket:         transport.SocketOptions{ReusePort: cfg.ReusePort},
	}
}

func clientConfig(cfg control.Config) client.Config {
	return client.Config{
		Endpoint:       cfg.Endpoint,
		ReadBufferSize: cfg.ReadBufferSize,
		Writer:         writerConfig(cfg),
		Socket:         transport.SocketOptions{ReusePort: cfg.ReusePort},
	}
}
