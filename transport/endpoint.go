// File: transport/endpoint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/momentics/hioload-mq/api"
)

// Endpoint schemes.
const (
	SchemeTCP      = "tcp"
	SchemePipe     = "pipe"
	SchemeUDP      = "udp"
	SchemeUnixgram = "unixgram"
)

// Endpoint is a parsed transport address.
type Endpoint struct {
	Scheme  string
	Address string
}

// ParseEndpoint parses "tcp://host:port", "pipe:///path/to.sock",
// "udp://host:port" or "unixgram:///path".
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w: %v", raw, api.ErrInvalidArgument, err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeTCP, SchemeUDP:
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w: missing host:port", raw, api.ErrInvalidArgument)
		}
		return Endpoint{Scheme: scheme, Address: u.Host}, nil
	case SchemePipe, SchemeUnixgram:
		path := u.Path
		if u.Host != "" {
			// pipe://relative/name
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: %w: missing path", raw, api.ErrInvalidArgument)
		}
		return Endpoint{Scheme: scheme, Address: path}, nil
	case "":
		return Endpoint{}, fmt.Errorf("endpoint %q: %w: missing scheme", raw, api.ErrInvalidArgument)
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: %w: scheme %q", raw, api.ErrNotSupported, scheme)
	}
}

// MustParseEndpoint is ParseEndpoint that panics on error.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// Network returns the net package network name.
func (e Endpoint) Network() string {
	switch e.Scheme {
	case SchemePipe:
		return "unix"
	default:
		return e.Scheme
	}
}

// IsStream reports whether the endpoint is connection oriented.
func (e Endpoint) IsStream() bool {
	return e.Scheme == SchemeTCP || e.Scheme == SchemePipe
}

// IsLocal reports whether the endpoint is a filesystem socket.
func (e Endpoint) IsLocal() bool {
	return e.Scheme == SchemePipe || e.Scheme == SchemeUnixgram
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}
