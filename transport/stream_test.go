package transport_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/transport"
)

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

// connectedPair returns a client and an accepted server-side conn.
func connectedPair(t *testing.T, ep transport.Endpoint) (net.Conn, net.Conn) {
	t.Helper()
	ctx := context.Background()
	ln, err := transport.Listen(ctx, ep, transport.ListenOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	ep.Address = ln.Addr().String()
	cli, err := transport.Dial(ctx, ep, transport.SocketOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	select {
	case srv := <-accepted:
		t.Cleanup(func() { _ = srv.Close() })
		return cli, srv
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
		return nil, nil
	}
}

func TestStreamReadWrite(t *testing.T) {
	l := runLoop(t)
	cli, srv := connectedPair(t, transport.MustParseEndpoint("tcp://127.0.0.1:0"))

	reads := make(chan string, 4)
	written := make(chan error, 1)
	var s *transport.Stream
	require.NoError(t, l.Call(context.Background(), func() {
		s = transport.NewStream(srv, l, transport.StreamOptions{ReadBufferSize: 16})
		assert.NoError(t, s.StartRead(func(data []byte, err error) {
			if err != nil {
				reads <- "err:" + err.Error()
				return
			}
			reads <- string(data)
		}))
		assert.ErrorIs(t, s.StartRead(func([]byte, error) {}), api.ErrIllegalState)
		assert.NoError(t, s.Write([]byte("pong"), func(err error) { written <- err }))
	}))

	_, err := cli.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", <-reads)

	require.NoError(t, <-written)
	buf := make([]byte, 4)
	_, err = io.ReadFull(cli, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	require.NoError(t, cli.Close())
	assert.Equal(t, "err:"+io.EOF.Error(), <-reads)
}

func TestStreamShutdownSendsEOF(t *testing.T) {
	l := runLoop(t)
	cli, srv := connectedPair(t, transport.MustParseEndpoint("tcp://127.0.0.1:0"))

	shut := make(chan error, 1)
	require.NoError(t, l.Call(context.Background(), func() {
		s := transport.NewStream(srv, l, transport.StreamOptions{})
		assert.NoError(t, s.Shutdown(func(err error) { shut <- err }))
	}))
	require.NoError(t, <-shut)

	_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := cli.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamShutdownUnsupported(t *testing.T) {
	l := runLoop(t)
	a, b := net.Pipe()
	defer b.Close()
	require.NoError(t, l.Call(context.Background(), func() {
		s := transport.NewStream(a, l, transport.StreamOptions{})
		assert.ErrorIs(t, s.Shutdown(func(error) {}), api.ErrNotSupported)
		s.Close(nil)
	}))
}

func TestStreamCloseSuppressesReads(t *testing.T) {
	l := runLoop(t)
	a, b := net.Pipe()
	defer b.Close()

	closed := make(chan struct{})
	require.NoError(t, l.Call(context.Background(), func() {
		s := transport.NewStream(a, l, transport.StreamOptions{})
		assert.NoError(t, s.StartRead(func(data []byte, err error) {
			t.Errorf("read after close: %q %v", data, err)
		}))
		s.Close(func() { close(closed) })
		assert.True(t, s.Closing())
		assert.ErrorIs(t, s.Write([]byte("x"), func(error) {}), api.ErrClosed)
		assert.ErrorIs(t, s.StartRead(func([]byte, error) {}), api.ErrClosed)
		s.Close(func() { t.Error("second close callback") })
	}))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback did not run")
	}
}

func TestStreamOverUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix domain sockets")
	}
	l := runLoop(t)
	path := filepath.Join(t.TempDir(), "s.sock")
	cli, srv := connectedPair(t, transport.Endpoint{Scheme: transport.SchemePipe, Address: path})

	reads := make(chan []byte, 1)
	require.NoError(t, l.Call(context.Background(), func() {
		s := transport.NewStream(srv, l, transport.StreamOptions{})
		assert.NoError(t, s.StartRead(func(data []byte, err error) {
			if err == nil {
				reads <- append([]byte(nil), data...)
			}
		}))
	}))
	_, err := cli.Write([]byte("local"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), <-reads)
}

func TestListenRejectsWrongKind(t *testing.T) {
	ctx := context.Background()
	_, err := transport.Listen(ctx, transport.MustParseEndpoint("udp://127.0.0.1:0"), transport.ListenOptions{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = transport.ListenPacket(ctx, transport.MustParseEndpoint("tcp://127.0.0.1:0"), transport.SocketOptions{})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestListenMaxConnsGate(t *testing.T) {
	ctx := context.Background()
	ln, err := transport.Listen(ctx, transport.MustParseEndpoint("tcp://127.0.0.1:0"),
		transport.ListenOptions{MaxConns: 1, Socket: transport.SocketOptions{ReusePort: runtime.GOOS == "linux"}})
	require.NoError(t, err)
	defer ln.Close()

	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Address: ln.Addr().String()}
	c1, err := transport.Dial(ctx, ep, transport.SocketOptions{})
	require.NoError(t, err)
	defer c1.Close()
	a1, err := ln.Accept()
	require.NoError(t, err)

	c2, err := transport.Dial(ctx, ep, transport.SocketOptions{})
	require.NoError(t, err)
	defer c2.Close()

	second := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			second <- c
		}
	}()
	select {
	case <-second:
		t.Fatal("accepted past the limit")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a1.Close())
	select {
	case c := <-second:
		_ = c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("second peer never accepted")
	}
}
