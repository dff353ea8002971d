// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Reactor collaborator contracts. Every callback passed through these
// interfaces runs on the reactor goroutine; code confined to the reactor
// never needs locks for the state it owns.

package api

import "time"

// Poster schedules work onto the reactor goroutine.
type Poster interface {
	// Post queues fn for execution on the reactor. Safe from any goroutine.
	// Returns ErrClosed once the reactor has stopped.
	Post(fn func()) error
}

// Timer is a one-shot reactor timer. All methods must be called on the
// reactor goroutine and the fire callback runs there as well.
type Timer interface {
	// Start arms the timer, replacing any previous deadline.
	Start(d time.Duration)
	// Stop disarms the timer; a pending fire is suppressed.
	Stop()
	// Active reports whether the timer is armed.
	Active() bool
}

// TimerFactory creates reactor timers.
type TimerFactory interface {
	NewTimer(fire func()) Timer
}

// Reactor is the full collaborator surface required by servers and clients.
type Reactor interface {
	Poster
	TimerFactory
}
