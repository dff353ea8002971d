package mq_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/mq"
)

const wait = 3 * time.Second

func testConfig(endpoint string) control.Config {
	cfg := control.DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.QueueCapacity = 64
	cfg.RecvQueueCapacity = 64
	cfg.SlotSize = 64
	cfg.Metrics.Namespace = "mqt"
	return cfg
}

func closeNode(t *testing.T, n *mq.Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	assert.NoError(t, n.Close(ctx))
}

func recvWait(t *testing.T, n *mq.Node) mq.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	m, err := n.RecvWait(ctx)
	require.NoError(t, err)
	return m
}

// serveEcho returns every message to the peer it came from and answers a
// peer's shutdown with its own.
func serveEcho(n *mq.Node) {
	go func() {
		for {
			m, err := n.RecvWait(context.Background())
			if err != nil {
				return
			}
			if m.Type == api.MsgShutdown {
				_ = n.SendMsg(mq.Message{Type: api.MsgShutdown, Node: m.Node})
				continue
			}
			_ = n.SendTo(m.Node, m.Data)
		}
	}()
}

func waitDone(t *testing.T, n *mq.Node) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(wait):
		t.Fatal("node not closed")
	}
}

func TestLocalNodeLoopback(t *testing.T) {
	n, err := mq.Local(testConfig("tcp://unused:1"))
	require.NoError(t, err)
	assert.Equal(t, mq.ModeLocal, n.Mode())
	assert.Nil(t, n.Addr())

	require.NoError(t, n.Send([]byte("a")))
	require.NoError(t, n.Send([]byte("b")))
	assert.Equal(t, "a", string(recvWait(t, n).Data))
	m := recvWait(t, n)
	assert.Equal(t, "b", string(m.Data))
	assert.Equal(t, api.MsgData, m.Type)

	_, err = n.Recv()
	assert.ErrorIs(t, err, api.ErrEmpty)

	stats := n.Stats()
	assert.Equal(t, "local", stats["debug.mq.mode"])
	assert.Equal(t, 2.0, stats["mqt_queue_ops_total.send.ok"])

	closeNode(t, n)
	<-n.Done()
	assert.ErrorIs(t, n.Send([]byte("late")), api.ErrClosed)
	_, err = n.RecvWait(context.Background())
	assert.ErrorIs(t, err, api.ErrClosed)
	closeNode(t, n)
}

func TestNodeRejectsOversizedMessages(t *testing.T) {
	n, err := mq.Local(testConfig("tcp://unused:1"), mq.WithMaxFrameSize(4))
	require.NoError(t, err)
	defer closeNode(t, n)
	assert.ErrorIs(t, n.Send([]byte("12345")), mq.ErrFrameTooLarge)
	assert.ErrorIs(t, n.SendMsg(mq.Message{}), api.ErrInvalidArgument)
}

func TestNodeSendQueueFull(t *testing.T) {
	cfg := testConfig("tcp://unused:1")
	cfg.QueueCapacity = 1
	n, err := mq.Local(cfg)
	require.NoError(t, err)
	defer closeNode(t, n)

	// The loop drains concurrently, so keep sending until the single slot
	// is observed taken.
	var full bool
	for i := 0; i < 10000 && !full; i++ {
		full = errors.Is(n.Send([]byte("x")), api.ErrFull)
	}
	assert.True(t, full)
}

func echoRoundTrip(t *testing.T, endpoint string) {
	srv, err := mq.Bind(context.Background(), testConfig(endpoint))
	require.NoError(t, err)
	defer closeNode(t, srv)
	serveEcho(srv)

	dialAt := endpoint
	if srv.Addr().Network() == "tcp" {
		dialAt = "tcp://" + srv.Addr().String()
	}
	cli, err := mq.Connect(context.Background(), testConfig(dialAt))
	require.NoError(t, err)
	defer closeNode(t, cli)
	assert.Equal(t, mq.ModeConnect, cli.Mode())

	for _, s := range []string{"hello", "", "world"} {
		require.NoError(t, cli.Send([]byte(s)))
	}
	for _, want := range []string{"hello", "", "world"} {
		m := recvWait(t, cli)
		assert.Equal(t, api.MsgData, m.Type)
		assert.Equal(t, want, string(m.Data))
	}
}

func TestNodeEchoTCP(t *testing.T) {
	echoRoundTrip(t, "tcp://127.0.0.1:0")
}

func TestNodeEchoPipe(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	echoRoundTrip(t, "pipe://"+filepath.Join(t.TempDir(), "mq.sock"))
}

func TestNodeBroadcastAndShutdown(t *testing.T) {
	cfg := testConfig("tcp://127.0.0.1:0")
	cfg.FlushBeforeShutdown = true
	srv, err := mq.Bind(context.Background(), cfg)
	require.NoError(t, err)
	defer closeNode(t, srv)
	addr := "tcp://" + srv.Addr().String()

	var clients []*mq.Node
	for i := 0; i < 2; i++ {
		c, err := mq.Connect(context.Background(), testConfig(addr))
		require.NoError(t, err)
		defer closeNode(t, c)
		clients = append(clients, c)
	}
	require.Eventually(t, func() bool {
		return srv.Stats()["debug.mq.peers"] == int64(2)
	}, wait, 10*time.Millisecond)

	require.NoError(t, srv.Send([]byte("all")))
	for _, c := range clients {
		assert.Equal(t, "all", string(recvWait(t, c).Data))
	}

	require.NoError(t, srv.Shutdown())
	for _, c := range clients {
		m := recvWait(t, c)
		assert.Equal(t, api.MsgShutdown, m.Type, "server finished sending")
		require.NoError(t, c.Shutdown())
		waitDone(t, c)
	}
	require.Eventually(t, func() bool {
		return srv.Stats()["debug.mq.peers"] == int64(0)
	}, wait, 10*time.Millisecond)
}

func TestNodeServerSeesClientMessages(t *testing.T) {
	srv, err := mq.Bind(context.Background(), testConfig("tcp://127.0.0.1:0"))
	require.NoError(t, err)
	defer closeNode(t, srv)

	cli, err := mq.Connect(context.Background(), testConfig("tcp://"+srv.Addr().String()))
	require.NoError(t, err)

	require.NoError(t, cli.Send([]byte("from client")))
	m := recvWait(t, srv)
	assert.Equal(t, "from client", string(m.Data))
	assert.False(t, m.Node.IsZero(), "inbound messages carry the source node")

	closeNode(t, cli)
	end := recvWait(t, srv)
	assert.Equal(t, api.MsgShutdown, end.Type)
	assert.Equal(t, m.Node, end.Node)
	require.NoError(t, srv.SendMsg(mq.Message{Type: api.MsgShutdown, Node: end.Node}))
	require.Eventually(t, func() bool {
		return srv.Stats()["debug.mq.peers"] == int64(0)
	}, wait, 10*time.Millisecond)
}

func TestNodePeerShutdownReceivesEveryEcho(t *testing.T) {
	srv, err := mq.Bind(context.Background(), testConfig("tcp://127.0.0.1:0"))
	require.NoError(t, err)
	defer closeNode(t, srv)
	serveEcho(srv)

	cli, err := mq.Connect(context.Background(), testConfig("tcp://"+srv.Addr().String()))
	require.NoError(t, err)
	defer closeNode(t, cli)

	const count = 20
	for i := 0; i < count; i++ {
		require.NoError(t, cli.Send([]byte(fmt.Sprintf("msg-%02d", i))))
	}
	// Queued behind writes still in flight; must not be dropped.
	require.NoError(t, cli.Shutdown())

	for i := 0; i < count; i++ {
		m := recvWait(t, cli)
		assert.Equal(t, api.MsgData, m.Type)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), string(m.Data))
	}
	waitDone(t, cli)
	require.Eventually(t, func() bool {
		return srv.Stats()["debug.mq.peers"] == int64(0)
	}, wait, 10*time.Millisecond)
}

func TestNodeUnansweredPeerShutdownTimesOut(t *testing.T) {
	cfg := testConfig("tcp://127.0.0.1:0")
	cfg.ShutdownTimeout = control.Duration{Duration: 50 * time.Millisecond}
	srv, err := mq.Bind(context.Background(), cfg)
	require.NoError(t, err)
	defer closeNode(t, srv)

	cli, err := mq.Connect(context.Background(), testConfig("tcp://"+srv.Addr().String()))
	require.NoError(t, err)
	defer closeNode(t, cli)

	require.NoError(t, cli.Send([]byte("last")))
	require.NoError(t, cli.Shutdown())

	assert.Equal(t, "last", string(recvWait(t, srv).Data))
	end := recvWait(t, srv)
	assert.Equal(t, api.MsgShutdown, end.Type)
	assert.False(t, end.Node.IsZero())

	// Nobody answers; the server shuts the node down on its own.
	waitDone(t, cli)
	require.Eventually(t, func() bool {
		return srv.Stats()["debug.mq.peers"] == int64(0)
	}, wait, 10*time.Millisecond)
}

func TestNodeAcceptFuncVetoes(t *testing.T) {
	remotes := make(chan net.Addr, 1)
	srv, err := mq.Bind(context.Background(), testConfig("tcp://127.0.0.1:0"),
		mq.WithAcceptFunc(func(id api.NodeID, remote net.Addr) bool {
			remotes <- remote
			return false
		}))
	require.NoError(t, err)
	defer closeNode(t, srv)

	cli, err := mq.Connect(context.Background(), testConfig("tcp://"+srv.Addr().String()))
	require.NoError(t, err)
	defer closeNode(t, cli)

	select {
	case remote := <-remotes:
		require.NotNil(t, remote)
		assert.Equal(t, "tcp", remote.Network())
	case <-time.After(wait):
		t.Fatal("accept func not called")
	}
	require.Eventually(t, func() bool {
		return srv.Stats()["mqt_rejected_nodes_total.veto"] == 1.0
	}, wait, 10*time.Millisecond)
	assert.Equal(t, int64(0), srv.Stats()["debug.mq.peers"])
}

func TestNodeRecvHookConsumes(t *testing.T) {
	consumed := make(chan string, 4)
	n, err := mq.Local(testConfig("tcp://unused:1"), mq.WithRecvHook(func(m mq.Message) bool {
		if !strings.HasPrefix(string(m.Data), "ctl:") {
			return false
		}
		consumed <- string(m.Data)
		return true
	}))
	require.NoError(t, err)
	defer closeNode(t, n)

	require.NoError(t, n.Send([]byte("ctl:ping")))
	require.NoError(t, n.Send([]byte("payload")))
	assert.Equal(t, "payload", string(recvWait(t, n).Data))
	assert.Equal(t, "ctl:ping", <-consumed)
	_, err = n.Recv()
	assert.ErrorIs(t, err, api.ErrEmpty)
}

func TestNodeWriteHookFilters(t *testing.T) {
	n, err := mq.Local(testConfig("tcp://unused:1"), mq.WithWriteHook(func(m mq.Message) bool {
		return string(m.Data) != "secret"
	}))
	require.NoError(t, err)
	defer closeNode(t, n)

	require.NoError(t, n.Send([]byte("secret")))
	require.NoError(t, n.Send([]byte("public")))
	assert.Equal(t, "public", string(recvWait(t, n).Data))
	_, err = n.Recv()
	assert.ErrorIs(t, err, api.ErrEmpty)
	assert.Equal(t, uint64(1), n.Stats()["debug.mq.send.filtered"])
}

func TestNodeWriteHookFiltersOnTheWire(t *testing.T) {
	srv, err := mq.Bind(context.Background(), testConfig("tcp://127.0.0.1:0"),
		mq.WithWriteHook(func(m mq.Message) bool { return len(m.Data) > 0 }))
	require.NoError(t, err)
	defer closeNode(t, srv)
	serveEcho(srv)

	cli, err := mq.Connect(context.Background(), testConfig("tcp://"+srv.Addr().String()))
	require.NoError(t, err)
	defer closeNode(t, cli)

	for _, s := range []string{"a", "", "b"} {
		require.NoError(t, cli.Send([]byte(s)))
	}
	assert.Equal(t, "a", string(recvWait(t, cli).Data))
	assert.Equal(t, "b", string(recvWait(t, cli).Data), "empty echo filtered by the server")
}

func TestNodeControlReload(t *testing.T) {
	srv, err := mq.Bind(context.Background(), testConfig("tcp://127.0.0.1:0"))
	require.NoError(t, err)
	defer closeNode(t, srv)

	ctrl := srv.Control()
	require.NoError(t, ctrl.SetConfig(map[string]any{"max_pending_writes": 4}))
	assert.Equal(t, 4, ctrl.GetConfig()["max_pending_writes"])
	assert.ErrorIs(t, ctrl.SetConfig(map[string]any{"endpoint": "tcp://x:1"}), api.ErrNotSupported)
}

func TestBindErrors(t *testing.T) {
	cfg := testConfig("tcp://127.0.0.1:0")
	cfg.MaxNodes = 0
	_, err := mq.Bind(context.Background(), cfg)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = mq.Bind(context.Background(), testConfig("udp://127.0.0.1:0"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = mq.Connect(context.Background(), testConfig("bogus://x"))
	assert.ErrorIs(t, err, api.ErrNotSupported)
}
