package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/fake"
)

// A connection that slips past the listener gate while the registry is
// full is dropped without touching the registry.
func TestIncomingDroppedWhenRegistryFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 2
	metrics := control.NewMetrics("adm")
	accepts := 0
	s, err := New(cfg, fake.NewReactor(), Handlers{Accept: func(api.NodeID, net.Addr) bool {
		accepts++
		return true
	}}, WithMetrics(metrics))
	require.NoError(t, err)
	s.state = api.ServerListening

	for i := 0; i < cfg.MaxNodes; i++ {
		_, err := s.registry.Reserve()
		require.NoError(t, err)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	s.onIncoming(local, nil)

	assert.Equal(t, cfg.MaxNodes, s.Len())
	assert.Zero(t, accepts, "handler never sees a rejected connection")
	assert.Equal(t, 1.0, metrics.Snapshot()["adm_rejected_nodes_total.capacity"])

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestIncomingDroppedWhenNotListening(t *testing.T) {
	s, err := New(DefaultConfig(), fake.NewReactor(), Handlers{})
	require.NoError(t, err)
	s.state = api.ServerClosing

	local, remote := net.Pipe()
	defer remote.Close()
	s.onIncoming(local, nil)
	assert.Zero(t, s.Len())

	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestIncomingAcceptErrorIsCounted(t *testing.T) {
	metrics := control.NewMetrics("adm2")
	s, err := New(DefaultConfig(), fake.NewReactor(), Handlers{}, WithMetrics(metrics))
	require.NoError(t, err)
	s.state = api.ServerListening

	s.onIncoming(nil, io.ErrUnexpectedEOF)
	assert.Equal(t, 1.0, metrics.Snapshot()["adm2_accept_errors_total"])
	assert.Zero(t, s.Len())
}

// While a node's socket close is in flight its slot is not yet free; a
// connection arriving in that window is held and admitted once the close
// completes instead of being dropped.
func TestIncomingWaitsForClosingNode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 1
	metrics := control.NewMetrics("adm3")
	r := fake.NewReactor()
	var admitted []api.NodeID
	s, err := New(cfg, r, Handlers{Accept: func(id api.NodeID, remote net.Addr) bool {
		assert.NotNil(t, remote)
		admitted = append(admitted, id)
		return true
	}}, WithMetrics(metrics))
	require.NoError(t, err)
	s.state = api.ServerListening

	first, firstPeer := net.Pipe()
	defer firstPeer.Close()
	s.onIncoming(first, nil)
	require.Len(t, admitted, 1)
	require.NoError(t, s.CloseNode(admitted[0]))

	second, secondPeer := net.Pipe()
	defer secondPeer.Close()
	s.onIncoming(second, nil)
	assert.Len(t, admitted, 1)
	assert.Zero(t, metrics.Snapshot()["adm3_rejected_nodes_total.capacity"])

	require.Eventually(t, func() bool {
		r.RunPending()
		return len(admitted) == 2 && s.Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.closingNodes)
	assert.Empty(t, s.waiting)

	// Nothing is closing now, so the next one is dropped.
	third, thirdPeer := net.Pipe()
	defer thirdPeer.Close()
	s.onIncoming(third, nil)
	assert.Len(t, admitted, 2)
	assert.Equal(t, 1.0, metrics.Snapshot()["adm3_rejected_nodes_total.capacity"])
}

func TestCloseAllDropsWaitingConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNodes = 1
	r := fake.NewReactor()
	s, err := New(cfg, r, Handlers{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln
	s.state = api.ServerListening

	first, firstPeer := net.Pipe()
	defer firstPeer.Close()
	s.onIncoming(first, nil)
	require.Equal(t, 1, s.Len())
	s.registry.Range(func(id api.NodeID, _ *Node) bool {
		require.NoError(t, s.CloseNode(id))
		return true
	})

	held, heldPeer := net.Pipe()
	defer heldPeer.Close()
	s.onIncoming(held, nil)
	require.Len(t, s.waiting, 1)

	require.NoError(t, s.CloseAll())
	assert.Empty(t, s.waiting)
	require.NoError(t, heldPeer.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = heldPeer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
