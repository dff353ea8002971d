// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package conn implements the per-connection outbound write state machine:
// at most one write in flight, a bounded FIFO of pending writes behind it,
// and an orderly shutdown/close sequence guarded by timers.
//
// A Writer is confined to the reactor goroutine. It never touches a socket
// itself; it drives an Issuer and is told about completions by the owner.
package conn
