// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "time"

// Timer is a one-shot loop timer. Start, Stop and Active must be called on
// the loop goroutine; the fire callback runs there too.
//
// Each Start bumps a generation; a wall-clock expiry posted for an older
// generation is discarded when it reaches the loop, so Stop never races a
// fire that is already queued.
type Timer struct {
	loop   *Loop
	fire   func()
	t      *time.Timer
	gen    uint64
	active bool
}

// Start arms the timer for d, replacing any previous deadline.
func (t *Timer) Start(d time.Duration) {
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.active = true
	t.t = time.AfterFunc(d, func() {
		_ = t.loop.Post(func() { t.expire(gen) })
	})
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.active = false
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool {
	return t.active
}

func (t *Timer) expire(gen uint64) {
	if gen != t.gen || !t.active {
		return
	}
	t.active = false
	t.t = nil
	t.fire()
}
