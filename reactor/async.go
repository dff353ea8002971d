// File: reactor/async.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync/atomic"

	"github.com/momentics/hioload-mq/api"
)

// Async is a cross-goroutine wakeup. Any number of Send calls made before
// the callback starts collapse into one invocation on the loop; a Send made
// while the callback runs schedules another one.
type Async struct {
	loop    *Loop
	fn      func()
	pending atomic.Bool
	closed  atomic.Bool
	fired   atomic.Uint64
}

// Send requests one run of the callback. Safe from any goroutine.
func (a *Async) Send() error {
	if a.closed.Load() {
		return api.ErrClosed
	}
	if !a.pending.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.loop.Post(a.run); err != nil {
		a.pending.Store(false)
		return err
	}
	return nil
}

// Close disables further callbacks. A run already queued becomes a no-op.
func (a *Async) Close() {
	a.closed.Store(true)
}

// Closed reports whether Close was called.
func (a *Async) Closed() bool {
	return a.closed.Load()
}

// Fired returns how many times the callback has run.
func (a *Async) Fired() uint64 {
	return a.fired.Load()
}

func (a *Async) run() {
	a.pending.Store(false)
	if a.closed.Load() {
		return
	}
	a.fired.Add(1)
	a.fn()
}
