package server

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/conn"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/transport"
)

// DefaultMaxNodes caps concurrently admitted connections.
const DefaultMaxNodes = 10000

// Config holds all server-side configuration parameters.
type Config struct {
	Endpoint       string // tcp://host:port or pipe:///path
	MaxNodes       int    // admission limit
	ReadBufferSize int    // per-node read buffer
	Writer         conn.Config
	Socket         transport.SocketOptions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "tcp://127.0.0.1:0",
		MaxNodes:       DefaultMaxNodes,
		ReadBufferSize: transport.DefaultReadBufferSize,
		Writer:         conn.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxNodes <= 0 {
		return fmt.Errorf("max_nodes %d: %w", c.MaxNodes, api.ErrInvalidArgument)
	}
	if _, err := transport.ParseEndpoint(c.Endpoint); err != nil {
		return err
	}
	return c.Writer.Validate()
}

// Server is a multi-client stream server confined to one reactor loop.
// Except for New, every method must be called on the loop goroutine.
type Server struct {
	cfg     Config
	ep      transport.Endpoint
	loop    api.Reactor
	handler Handler
	name    string
	log     zerolog.Logger
	metrics *control.Metrics

	warn       *rate.Limiter
	suppressed uint64

	state      api.ServerState
	ln         net.Listener
	lnClosed   bool
	registry   *Registry[*Node]
	acceptDone chan struct{}

	// closingNodes counts nodes whose socket close is in flight. Up to that
	// many connections arriving while the registry is full wait in waiting.
	closingNodes int
	waiting      []net.Conn
}
