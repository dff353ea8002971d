// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport selects and opens endpoints (tcp://, pipe://, udp://,
// unixgram://) and wraps accepted or dialed stream connections in a Stream
// whose read, write, shutdown and close completions are delivered on a
// reactor loop.
package transport
