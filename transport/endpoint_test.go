package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/transport"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		raw     string
		scheme  string
		addr    string
		network string
		stream  bool
	}{
		{"tcp://127.0.0.1:9000", "tcp", "127.0.0.1:9000", "tcp", true},
		{"tcp://:0", "tcp", ":0", "tcp", true},
		{"pipe:///tmp/mq.sock", "pipe", "/tmp/mq.sock", "unix", true},
		{"pipe://mq.sock", "pipe", "mq.sock", "unix", true},
		{"udp://localhost:7000", "udp", "localhost:7000", "udp", false},
		{"unixgram:///tmp/mq.dgram", "unixgram", "/tmp/mq.dgram", "unixgram", false},
		{"TCP://127.0.0.1:1", "tcp", "127.0.0.1:1", "tcp", true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			ep, err := transport.ParseEndpoint(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.scheme, ep.Scheme)
			assert.Equal(t, tc.addr, ep.Address)
			assert.Equal(t, tc.network, ep.Network())
			assert.Equal(t, tc.stream, ep.IsStream())
		})
	}
}

func TestParseEndpointErrors(t *testing.T) {
	_, err := transport.ParseEndpoint("127.0.0.1:80")
	assert.Error(t, err)

	_, err = transport.ParseEndpoint("tcp://")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = transport.ParseEndpoint("pipe://")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	_, err = transport.ParseEndpoint("http://example.com")
	assert.ErrorIs(t, err, api.ErrNotSupported)
}

func TestEndpointString(t *testing.T) {
	ep := transport.MustParseEndpoint("pipe:///var/run/mq.sock")
	assert.Equal(t, "pipe:///var/run/mq.sock", ep.String())
	assert.True(t, ep.IsLocal())

	assert.Panics(t, func() { transport.MustParseEndpoint("bogus") })
}
