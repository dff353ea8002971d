// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Event loop: a mutex-guarded task FIFO drained by one goroutine.

package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/affinity"
	"github.com/momentics/hioload-mq/api"
)

// Loop is a single-goroutine task executor. It implements api.Reactor.
type Loop struct {
	name string
	log  zerolog.Logger
	cpu  int

	mu     sync.Mutex
	tasks  *queue.Queue
	closed bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	batch  []func()
	panics atomic.Uint64
	ran    atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithName labels the loop in log output.
func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

// WithLogger sets the logger used for recovered task panics.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithCPU locks the loop to its OS thread and pins that thread to cpu.
// A negative cpu disables pinning. A failed pin is logged, not fatal.
func WithCPU(cpu int) Option {
	return func(l *Loop) { l.cpu = cpu }
}

// New creates a stopped loop. Call Run to start executing tasks.
func New(opts ...Option) *Loop {
	l := &Loop{
		name:  "loop",
		log:   zerolog.Nop(),
		cpu:   -1,
		tasks: queue.New(),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("loop", l.name).Logger()
	return l
}

// Post queues fn for execution on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return api.ErrInvalidArgument
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrClosed
	}
	l.tasks.Add(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call posts fn and blocks until it has run or ctx is done.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ch := make(chan struct{})
	if err := l.Post(func() {
		defer close(ch)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		// The final drain may still have run fn.
		select {
		case <-ch:
			return nil
		default:
			return api.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks until Stop is called or ctx is done. Tasks
// already queued at that point still run; later Posts fail with ErrClosed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor %s: %w: already running", l.name, api.ErrIllegalState)
	}
	defer close(l.done)

	if l.cpu >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.Pin(l.cpu); err != nil {
			l.log.Warn().Err(err).Int("cpu", l.cpu).Msg("loop not pinned")
		}
	}
	l.log.Debug().Msg("loop started")
	for {
		l.runPending()
		select {
		case <-l.wake:
		case <-l.quit:
			l.finish()
			return nil
		case <-ctx.Done():
			l.finish()
			return ctx.Err()
		}
	}
}

// Stop asks the loop to exit. It does not wait; use Done for that.
// Safe to call from a task and more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	if !l.running.Load() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() uint64 {
	return l.ran.Load()
}

// Panics returns the number of recovered task panics.
func (l *Loop) Panics() uint64 {
	return l.panics.Load()
}

// NewTimer returns a one-shot timer whose callback runs on the loop.
func (l *Loop) NewTimer(fire func()) api.Timer {
	return &Timer{loop: l, fire: fire}
}

// NewAsync returns a coalescing cross-goroutine wakeup bound to the loop.
func (l *Loop) NewAsync(fn func()) *Async {
	return &Async{loop: l, fn: fn}
}

func (l *Loop) runPending() {
	l.mu.Lock()
	l.batch = l.take(l.batch[:0])
	l.mu.Unlock()
	l.execute(l.batch)
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.closed = true
	l.batch = l.take(l.batch[:0])
	l.mu.Unlock()
	l.execute(l.batch)
	l.log.Debug().Uint64("tasks", l.ran.Load()).Msg("loop stopped")
}

// take moves every queued task into dst. Caller holds l.mu.
func (l *Loop) take(dst []func()) []func() {
	for l.tasks.Length() > 0 {
		dst = append(dst, l.tasks.Remove().(func()))
	}
	return dst
}

func (l *Loop) execute(batch []func()) {
	for i, fn := range batch {
		batch[i] = nil
		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.log.Error().Interface("panic", r).Msg("task panicked")
		}
	}()
	l.ran.Add(1)
	fn()
}
