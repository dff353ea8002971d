// File: transport/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener and dialer construction for stream and packet endpoints.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"

	"golang.org/x/net/netutil"

	"github.com/momentics/hioload-mq/api"
)

// SocketOptions are applied to listening and dialed sockets before bind.
type SocketOptions struct {
	// ReusePort sets SO_REUSEPORT on tcp/udp sockets where supported.
	ReusePort bool
	// RecvBuffer and SendBuffer set SO_RCVBUF and SO_SNDBUF when positive.
	RecvBuffer int
	SendBuffer int
}

// ListenOptions configures Listen.
type ListenOptions struct {
	Socket SocketOptions
	// MaxConns caps the number of simultaneously accepted connections at the
	// listener. Accept blocks while the cap is reached, leaving further peers
	// in the kernel backlog. Zero disables the gate.
	MaxConns int
}

func (o SocketOptions) control(network, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = applySocketOptions(fd, network, o)
	})
	if err != nil {
		return err
	}
	return serr
}

// Listen binds a stream endpoint. Stale unix socket files are removed first.
func Listen(ctx context.Context, ep Endpoint, opts ListenOptions) (net.Listener, error) {
	if !ep.IsStream() {
		return nil, fmt.Errorf("listen %s: %w: not a stream endpoint", ep, api.ErrInvalidArgument)
	}
	if ep.IsLocal() {
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, api.TransportError("listen", 0, err)
		}
	}
	lc := net.ListenConfig{Control: opts.Socket.control}
	ln, err := lc.Listen(ctx, ep.Network(), ep.Address)
	if err != nil {
		return nil, api.TransportError("listen", 0, err)
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}
	return ln, nil
}

// ListenPacket binds a datagram endpoint.
func ListenPacket(ctx context.Context, ep Endpoint, opts SocketOptions) (net.PacketConn, error) {
	if ep.IsStream() {
		return nil, fmt.Errorf("listen %s: %w: not a datagram endpoint", ep, api.ErrInvalidArgument)
	}
	if ep.IsLocal() {
		if err := removeStaleSocket(ep.Address); err != nil {
			return nil, api.TransportError("listen", 0, err)
		}
	}
	lc := net.ListenConfig{Control: opts.control}
	pc, err := lc.ListenPacket(ctx, ep.Network(), ep.Address)
	if err != nil {
		return nil, api.TransportError("listen", 0, err)
	}
	return pc, nil
}

// Dial connects to a stream endpoint.
func Dial(ctx context.Context, ep Endpoint, opts SocketOptions) (net.Conn, error) {
	if !ep.IsStream() {
		return nil, fmt.Errorf("dial %s: %w: not a stream endpoint", ep, api.ErrInvalidArgument)
	}
	d := net.Dialer{Control: opts.control}
	c, err := d.DialContext(ctx, ep.Network(), ep.Address)
	if err != nil {
		return nil, api.TransportError("dial", 0, err)
	}
	return c, nil
}

// ResolvePacketAddr resolves a datagram peer address for ep's network.
func ResolvePacketAddr(ep Endpoint) (net.Addr, error) {
	switch ep.Scheme {
	case SchemeUDP:
		return net.ResolveUDPAddr("udp", ep.Address)
	case SchemeUnixgram:
		return net.ResolveUnixAddr("unixgram", ep.Address)
	default:
		return nil, fmt.Errorf("resolve %s: %w", ep, api.ErrNotSupported)
	}
}

func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s: %w: exists and is not a socket", path, api.ErrInvalidArgument)
	}
	return os.Remove(path)
}
