// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection layer.
//
// Provides:
//   - TOML configuration with defaults and validation
//   - A runtime store for tunable keys with reload listeners
//   - Prometheus collectors for servers, queues and datagram transports
//   - Named debug probes
package control
