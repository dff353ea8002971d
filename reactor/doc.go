// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-goroutine event loop that owns all
// connection and server state. Blocking I/O happens on helper goroutines
// that post their completions back to the loop; callbacks posted to a Loop
// run one at a time, in posting order.
package reactor
