package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/server"
)

const wait = 3 * time.Second

func runLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	l := reactor.New()
	go func() { _ = l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})
	return l
}

func call(t *testing.T, l *reactor.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, l.Call(ctx, fn))
}

// startServer creates and listens on the loop, stores the server in *out
// from the loop goroutine and returns the dial address.
func startServer(t *testing.T, l *reactor.Loop, cfg server.Config, h server.Handler, out **server.Server, opts ...server.Option) string {
	t.Helper()
	var (
		addr string
		err  error
	)
	call(t, l, func() {
		var s *server.Server
		s, err = server.New(cfg, l, h, opts...)
		if err != nil {
			return
		}
		*out = s
		if err = s.Listen(context.Background()); err == nil {
			addr = s.Addr().String()
		}
	})
	require.NoError(t, err)
	return addr
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

func echoHandler(s **server.Server, closed chan<- api.NodeID, serverClosed chan<- struct{}) server.Handlers {
	return server.Handlers{
		Read: func(id api.NodeID, data []byte, err error) {
			if err != nil {
				_ = (*s).CloseNode(id)
				return
			}
			_, _, _ = (*s).Write(id, data)
		},
		NodeClosed: func(id api.NodeID) {
			if closed != nil {
				closed <- id
			}
		},
		ServerClose: func() {
			if serverClosed != nil {
				close(serverClosed)
			}
		},
	}
}

func TestServerEchoTCP(t *testing.T) {
	l := runLoop(t)
	var s *server.Server
	closed := make(chan api.NodeID, 1)
	metrics := control.NewMetrics("echo")
	addr := startServer(t, l, server.DefaultConfig(), echoHandler(&s, closed, nil), &s, server.WithMetrics(metrics))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", readN(t, c, 5))

	call(t, l, func() { assert.Equal(t, 1, s.Len()) })
	require.NoError(t, c.Close())
	recv(t, closed)

	call(t, l, func() {
		assert.Zero(t, s.Len())
		snap := metrics.Snapshot()
		assert.Equal(t, 1.0, snap["echo_accepted_nodes_total"])
		assert.Equal(t, 0.0, snap["echo_active_nodes"])
		assert.Equal(t, 5.0, snap["echo_read_bytes_total"])
	})
}

func TestServerEchoPipe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	l := runLoop(t)
	path := filepath.Join(t.TempDir(), "mq.sock")
	cfg := server.DefaultConfig()
	cfg.Endpoint = "pipe://" + path

	var s *server.Server
	startServer(t, l, cfg, echoHandler(&s, nil, nil), &s)

	c, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("local"))
	require.NoError(t, err)
	assert.Equal(t, "local", readN(t, c, 5))
}

func TestServerAdmissionLimit(t *testing.T) {
	l := runLoop(t)
	cfg := server.DefaultConfig()
	cfg.MaxNodes = 1

	var s *server.Server
	closed := make(chan api.NodeID, 2)
	accepted := make(chan api.NodeID, 2)
	h := echoHandler(&s, closed, nil)
	h.Accept = func(id api.NodeID, _ net.Addr) bool {
		accepted <- id
		return true
	}
	addr := startServer(t, l, cfg, h, &s)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	recv(t, accepted)

	// The second peer completes the handshake in the kernel backlog but is
	// not admitted while the first is open.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	select {
	case <-accepted:
		t.Fatal("second node admitted above the limit")
	case <-time.After(100 * time.Millisecond):
	}
	call(t, l, func() { assert.Equal(t, 1, s.Len()) })

	require.NoError(t, first.Close())
	recv(t, closed)
	recv(t, accepted)

	_, err = second.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", readN(t, second, 2))
}

func TestServerAcceptVeto(t *testing.T) {
	l := runLoop(t)
	metrics := control.NewMetrics("veto")
	h := server.Handlers{Accept: func(api.NodeID, net.Addr) bool { return false }}
	var s *server.Server
	addr := startServer(t, l, server.DefaultConfig(), h, &s, server.WithMetrics(metrics))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(wait)))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err, "vetoed peer is disconnected")

	call(t, l, func() {
		assert.Zero(t, s.Len())
		assert.Equal(t, 1.0, metrics.Snapshot()["veto_rejected_nodes_total.veto"])
	})
}

func TestServerGracefulShutdown(t *testing.T) {
	l := runLoop(t)
	var s *server.Server
	ids := make(chan api.NodeID, 1)
	closed := make(chan api.NodeID, 1)
	reads := make(chan error, 1)
	h := server.Handlers{
		Accept: func(id api.NodeID, _ net.Addr) bool {
			ids <- id
			return true
		},
		Read: func(_ api.NodeID, _ []byte, err error) {
			if err != nil {
				reads <- err
			}
		},
		NodeClosed: func(id api.NodeID) { closed <- id },
	}
	cfg := server.DefaultConfig()
	cfg.Writer.FlushBeforeShutdown = true
	addr := startServer(t, l, cfg, h, &s)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	id := recv(t, ids)

	call(t, l, func() {
		_, _, err := s.Write(id, []byte("bye"))
		assert.NoError(t, err)
		assert.NoError(t, s.Shutdown(id))
	})
	assert.Equal(t, "bye", readN(t, c, 3))

	// Peer sees EOF after the queued write, then closes its side.
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Close())

	assert.Equal(t, id, recv(t, closed))
	select {
	case err := <-reads:
		t.Fatalf("peer EOF during shutdown surfaced as read error: %v", err)
	default:
	}

	call(t, l, func() {
		_, _, err := s.Write(id, []byte("late"))
		assert.ErrorIs(t, err, api.ErrClosed)
		assert.ErrorIs(t, s.Shutdown(id), api.ErrClosed)
		assert.ErrorIs(t, s.CloseNode(id), api.ErrClosed)
	})
}

func TestServerPeerHalfCloseKeepsNode(t *testing.T) {
	l := runLoop(t)
	var s *server.Server
	ids := make(chan api.NodeID, 1)
	closed := make(chan api.NodeID, 1)
	reads := make(chan error, 1)
	h := server.Handlers{
		Accept: func(id api.NodeID, _ net.Addr) bool {
			ids <- id
			return true
		},
		Read: func(_ api.NodeID, _ []byte, err error) {
			if err != nil {
				reads <- err
			}
		},
		NodeClosed: func(id api.NodeID) { closed <- id },
	}
	addr := startServer(t, l, server.DefaultConfig(), h, &s)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	id := recv(t, ids)

	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	err = recv(t, reads)
	assert.ErrorIs(t, err, io.EOF)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrCodeTransport, apiErr.Code)

	// The node stays registered and writable after the peer's EOF.
	call(t, l, func() {
		assert.Equal(t, 1, s.Len())
		_, _, err := s.Write(id, []byte("late reply"))
		assert.NoError(t, err)
		assert.NoError(t, s.ShutdownAfterWrites(id))
	})
	assert.Equal(t, "late reply", readN(t, c, 10))

	// The peer already finished, so the shutdown completes the exchange.
	assert.Equal(t, id, recv(t, closed))
	call(t, l, func() { assert.Zero(t, s.Len()) })
}

func TestServerCloseAll(t *testing.T) {
	l := runLoop(t)
	var s *server.Server
	closed := make(chan api.NodeID, 2)
	serverClosed := make(chan struct{})
	ids := make(chan api.NodeID, 2)
	h := echoHandler(&s, closed, serverClosed)
	h.Accept = func(id api.NodeID, _ net.Addr) bool {
		ids <- id
		return true
	}
	addr := startServer(t, l, server.DefaultConfig(), h, &s)

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer c.Close()
		recv(t, ids)
	}

	call(t, l, func() {
		n, err := s.Broadcast([]byte("x"))
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.NoError(t, s.CloseAll())
		assert.Equal(t, api.ServerClosing, s.State())
		assert.NoError(t, s.CloseAll(), "idempotent")
	})
	recv(t, closed)
	recv(t, closed)
	recv(t, serverClosed)
	<-s.AcceptDone()

	call(t, l, func() {
		assert.Equal(t, api.ServerClosed, s.State())
		assert.Zero(t, s.Len())
		assert.ErrorIs(t, s.Listen(context.Background()), api.ErrIllegalState)
	})
}

func TestServerCloseBeforeListen(t *testing.T) {
	l := runLoop(t)
	done := make(chan struct{})
	call(t, l, func() {
		s, err := server.New(server.DefaultConfig(), l, server.Handlers{ServerClose: func() { close(done) }})
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, s.CloseAll())
		assert.Equal(t, api.ServerClosed, s.State())
	})
	recv(t, done)
}

func TestServerConfigValidation(t *testing.T) {
	l := reactor.New()
	cfg := server.DefaultConfig()
	cfg.MaxNodes = 0
	_, err := server.New(cfg, l, server.Handlers{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	cfg = server.DefaultConfig()
	cfg.Endpoint = "udp://127.0.0.1:0"
	_, err = server.New(cfg, l, server.Handlers{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = server.New(server.DefaultConfig(), nil, server.Handlers{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
