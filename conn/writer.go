// File: conn/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Write state machine:
//
//	NotReady --SetReady--> Ready --TryWrite--> Writing --OnWriteComplete--> Ready
//	Ready --RequestShutdown--> ShuttingDown --Close--> Closing --OnClose--> Ended
//
// Closing and Ended are absorbing. Writing with FlushBeforeShutdown defers
// the shutdown until the pending FIFO has drained.

package conn

import (
	"fmt"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/internal/invariant"
)

// Issuer performs the transport side of the writer's requests. Each call
// only starts the operation; its completion is reported back through
// OnWriteComplete, OnShutdownComplete or OnClose.
type Issuer interface {
	IssueWrite(buf []byte) error
	IssueShutdown() error
	IssueClose()
}

// PendingWrite is one queued outbound request. Bytes is owned by the writer.
type PendingWrite struct {
	Request api.RequestID
	Bytes   []byte
}

// Stats are cumulative writer counters.
type Stats struct {
	Sent      uint64
	Queued    uint64
	Busy      uint64
	Completed uint64
	Failed    uint64
	Discarded uint64
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) { w.log = l }
}

// WithDiscard registers fn for every accepted write that will never
// complete: pending writes dropped on close and queued writes whose issue
// failed. fn runs on the reactor goroutine.
func WithDiscard(fn func(req api.RequestID, err error)) Option {
	return func(w *Writer) { w.onDiscard = fn }
}

// Writer is the per-connection write state machine.
type Writer struct {
	cfg   Config
	io    Issuer
	log   zerolog.Logger
	state api.WriteState

	pending  *queue.Queue // *PendingWrite
	spare    []*PendingWrite
	inflight *PendingWrite
	nextReq  api.RequestID

	shutdownPending bool
	peerClosed      bool
	failures        int

	shutdownTimer api.Timer
	writeTimer    api.Timer

	onDiscard func(api.RequestID, error)
	stats     Stats
}

// NewWriter creates a writer in NotReady.
func NewWriter(io Issuer, timers api.TimerFactory, cfg Config, opts ...Option) *Writer {
	w := &Writer{
		cfg:     cfg,
		io:      io,
		log:     zerolog.Nop(),
		state:   api.WriteNotReady,
		pending: queue.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if cfg.ShutdownTimeout > 0 {
		w.shutdownTimer = timers.NewTimer(w.onShutdownTimeout)
	}
	if cfg.WriteTimeout > 0 {
		w.writeTimer = timers.NewTimer(w.onWriteTimeout)
	}
	return w
}

// State returns the current write state.
func (w *Writer) State() api.WriteState { return w.state }

// PendingLen returns the number of queued writes behind the in-flight one.
func (w *Writer) PendingLen() int { return w.pending.Length() }

// InFlight reports whether a write has been issued and not yet completed.
func (w *Writer) InFlight() bool { return w.inflight != nil }

// ShutdownPending reports whether a shutdown waits for the FIFO to drain.
func (w *Writer) ShutdownPending() bool { return w.shutdownPending }

// Stats returns a copy of the counters.
func (w *Writer) Stats() Stats { return w.stats }

// SetReady moves a fresh writer to Ready once its stream is usable.
func (w *Writer) SetReady() error {
	if w.state != api.WriteNotReady {
		return fmt.Errorf("set ready in %s: %w", w.state, api.ErrIllegalState)
	}
	w.state = api.WriteReady
	return nil
}

// TryWrite sends buf now if the connection is idle, queues a copy if a write
// is in flight and the FIFO has room, or fails with ErrBusy.
func (w *Writer) TryWrite(buf []byte) (api.WriteOutcome, api.RequestID, error) {
	switch w.state {
	case api.WriteNotReady:
		return 0, 0, api.ErrNotReady
	case api.WriteShuttingDown, api.WriteClosing, api.WriteEnded:
		return 0, 0, api.ErrClosed
	}
	if w.shutdownPending {
		return 0, 0, api.ErrClosed
	}

	if w.state == api.WriteReady {
		invariant.Check(w.pending.Length() == 0, "ready writer with %d pending writes", w.pending.Length())
		pw := w.fill(buf)
		if err := w.issue(pw); err != nil {
			w.recycle(pw)
			return 0, 0, err
		}
		w.stats.Sent++
		return api.WriteSent, pw.Request, nil
	}

	// Writing.
	if w.pending.Length() >= w.cfg.MaxPending {
		w.stats.Busy++
		return 0, 0, api.ErrBusy
	}
	pw := w.fill(buf)
	w.pending.Add(pw)
	w.stats.Queued++
	return api.WriteQueued, pw.Request, nil
}

// OnWriteComplete reports the completion of the in-flight write and returns
// its request id. The next pending write, or a deferred shutdown, is issued
// before it returns.
func (w *Writer) OnWriteComplete(err error) api.RequestID {
	invariant.Check(w.inflight != nil, "write completion with no write in flight (state %s)", w.state)
	if w.inflight == nil {
		return 0
	}
	pw := w.inflight
	req := pw.Request
	w.inflight = nil
	w.recycle(pw)
	if w.writeTimer != nil {
		w.writeTimer.Stop()
	}
	w.stats.Completed++

	if err != nil {
		w.stats.Failed++
		w.noteFailure(err)
	} else {
		w.failures = 0
	}

	if w.state != api.WriteWriting {
		return req
	}
	w.state = api.WriteReady
	w.drain()
	return req
}

// RequestShutdown starts a graceful shutdown of the write side.
func (w *Writer) RequestShutdown() error {
	return w.requestShutdown(w.cfg.FlushBeforeShutdown)
}

// ShutdownAfterWrites shuts down once every accepted write has been issued,
// whatever FlushBeforeShutdown says. A shutdown already requested or in
// progress is not an error.
func (w *Writer) ShutdownAfterWrites() error {
	if w.state == api.WriteShuttingDown || w.shutdownPending {
		return nil
	}
	return w.requestShutdown(true)
}

func (w *Writer) requestShutdown(flush bool) error {
	switch w.state {
	case api.WriteReady:
		return w.startShutdown()
	case api.WriteWriting:
		if !flush {
			return fmt.Errorf("shutdown while writing: %w", api.ErrIllegalState)
		}
		w.shutdownPending = true
		return nil
	case api.WriteNotReady:
		return api.ErrNotReady
	case api.WriteShuttingDown:
		return fmt.Errorf("shutdown already in progress: %w", api.ErrIllegalState)
	default:
		return api.ErrClosed
	}
}

// OnShutdownComplete reports the result of the issued shutdown. On success
// the writer stays half-closed in ShuttingDown until the peer closes or the
// shutdown timer fires; if the peer already sent EOF it closes now.
func (w *Writer) OnShutdownComplete(err error) {
	if w.state != api.WriteShuttingDown {
		return
	}
	switch {
	case err != nil:
		w.log.Debug().Err(err).Msg("shutdown failed, closing")
		w.Close()
	case w.peerClosed:
		w.Close()
	}
}

// OnPeerClosed reports a read-side EOF. While shutting down this completes
// the exchange and closes the connection; it returns true in that case.
// Otherwise the EOF is remembered so a later shutdown closes as soon as it
// completes.
func (w *Writer) OnPeerClosed() bool {
	if w.state != api.WriteShuttingDown {
		w.peerClosed = true
		return false
	}
	w.Close()
	return true
}

// PeerClosed reports whether the peer has sent EOF.
func (w *Writer) PeerClosed() bool { return w.peerClosed }

// Close moves any live writer to Closing and issues the close. Repeated
// calls are no-ops.
func (w *Writer) Close() {
	if w.state == api.WriteClosing || w.state == api.WriteEnded {
		return
	}
	w.state = api.WriteClosing
	w.shutdownPending = false
	w.stopTimers()
	w.io.IssueClose()
}

// OnClose finalizes the writer: pending writes are discarded and the state
// becomes Ended.
func (w *Writer) OnClose() {
	w.stopTimers()
	if w.inflight != nil {
		w.discard(w.inflight, api.ErrClosed)
		w.inflight = nil
	}
	for w.pending.Length() > 0 {
		w.discard(w.pending.Remove().(*PendingWrite), api.ErrClosed)
	}
	w.shutdownPending = false
	w.state = api.WriteEnded
}

func (w *Writer) drain() {
	for w.state == api.WriteReady && w.pending.Length() > 0 {
		pw := w.pending.Remove().(*PendingWrite)
		if err := w.issue(pw); err != nil {
			w.discard(pw, err)
			continue
		}
		w.stats.Sent++
		return
	}
	if w.state == api.WriteReady && w.shutdownPending {
		w.shutdownPending = false
		_ = w.startShutdown()
	}
}

func (w *Writer) issue(pw *PendingWrite) error {
	invariant.Check(w.inflight == nil, "issuing request %d with request %d in flight", pw.Request, w.requestInFlight())
	w.inflight = pw
	w.state = api.WriteWriting
	if err := w.io.IssueWrite(pw.Bytes); err != nil {
		w.inflight = nil
		w.state = api.WriteReady
		w.stats.Failed++
		w.noteFailure(err)
		return err
	}
	if w.writeTimer != nil {
		w.writeTimer.Start(w.cfg.WriteTimeout)
	}
	return nil
}

func (w *Writer) startShutdown() error {
	w.state = api.WriteShuttingDown
	if err := w.io.IssueShutdown(); err != nil {
		w.log.Debug().Err(err).Msg("shutdown issue failed, closing")
		w.Close()
		return err
	}
	if w.shutdownTimer != nil {
		w.shutdownTimer.Start(w.cfg.ShutdownTimeout)
	}
	return nil
}

func (w *Writer) noteFailure(err error) {
	w.failures++
	if w.cfg.MaxWriteFailures > 0 && w.failures >= w.cfg.MaxWriteFailures {
		w.log.Warn().Err(err).Int("failures", w.failures).Msg("write failure limit reached, closing")
		w.Close()
	}
}

func (w *Writer) onShutdownTimeout() {
	if w.state != api.WriteShuttingDown {
		return
	}
	w.log.Debug().Dur("timeout", w.cfg.ShutdownTimeout).Msg("shutdown timed out, closing")
	w.Close()
}

func (w *Writer) onWriteTimeout() {
	if w.inflight == nil {
		return
	}
	w.log.Warn().Dur("timeout", w.cfg.WriteTimeout).Uint64("request", uint64(w.inflight.Request)).Msg("write timed out, closing")
	w.Close()
}

func (w *Writer) stopTimers() {
	if w.shutdownTimer != nil {
		w.shutdownTimer.Stop()
	}
	if w.writeTimer != nil {
		w.writeTimer.Stop()
	}
}

// fill copies buf into a recycled PendingWrite with a fresh request id.
func (w *Writer) fill(buf []byte) *PendingWrite {
	var pw *PendingWrite
	if n := len(w.spare); n > 0 {
		pw = w.spare[n-1]
		w.spare[n-1] = nil
		w.spare = w.spare[:n-1]
	} else {
		pw = &PendingWrite{}
	}
	w.nextReq++
	pw.Request = w.nextReq
	pw.Bytes = append(pw.Bytes[:0], buf...)
	return pw
}

func (w *Writer) recycle(pw *PendingWrite) {
	pw.Request = 0
	if len(w.spare) <= w.cfg.MaxPending {
		w.spare = append(w.spare, pw)
	}
}

func (w *Writer) discard(pw *PendingWrite, err error) {
	w.stats.Discarded++
	if w.onDiscard != nil {
		w.onDiscard(pw.Request, err)
	}
	w.recycle(pw)
}

func (w *Writer) requestInFlight() api.RequestID {
	if w.inflight == nil {
		return 0
	}
	return w.inflight.Request
}
