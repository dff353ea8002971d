// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sort"
	"sync"
	"time"

	"github.com/momentics/hioload-mq/api"
)

// Reactor is a manual api.Reactor. Posted tasks run only when the test
// calls RunPending, and timers fire only on Advance.
type Reactor struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	now    time.Duration
	timers []*Timer
}

// NewReactor returns an empty manual reactor.
func NewReactor() *Reactor { return &Reactor{} }

// Post queues fn.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return api.ErrClosed
	}
	r.tasks = append(r.tasks, fn)
	return nil
}

// Close makes further Posts fail.
func (r *Reactor) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Pending returns the number of queued tasks.
func (r *Reactor) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// RunPending runs queued tasks, including ones they post, until the queue
// is empty. Returns the number of tasks run.
func (r *Reactor) RunPending() int {
	n := 0
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return n
		}
		fn := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.mu.Unlock()
		fn()
		n++
	}
}

// NewTimer returns a Timer driven by Advance.
func (r *Reactor) NewTimer(fire func()) api.Timer {
	t := &Timer{r: r, fire: fire}
	r.timers = append(r.timers, t)
	return t
}

// Now returns the manual clock.
func (r *Reactor) Now() time.Duration { return r.now }

// Advance moves the clock by d and fires every timer whose deadline passed,
// earliest first.
func (r *Reactor) Advance(d time.Duration) {
	r.now += d
	for {
		due := make([]*Timer, 0)
		for _, t := range r.timers {
			if t.active && t.deadline <= r.now {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
		t := due[0]
		t.active = false
		t.fire()
	}
}

// ActiveTimers counts armed timers.
func (r *Reactor) ActiveTimers() int {
	n := 0
	for _, t := range r.timers {
		if t.active {
			n++
		}
	}
	return n
}

// Timer is a manual api.Timer.
type Timer struct {
	r        *Reactor
	fire     func()
	deadline time.Duration
	active   bool
}

// Start arms the timer relative to the manual clock.
func (t *Timer) Start(d time.Duration) {
	t.deadline = t.r.now + d
	t.active = true
}

// Stop disarms the timer.
func (t *Timer) Stop() { t.active = false }

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t.active }
