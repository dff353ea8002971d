// File: transport/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor-bound stream connection. Blocking calls run on helper goroutines
// and every completion is posted back to the loop.

package transport

import (
	"net"
	"sync"

	"github.com/momentics/hioload-mq/api"
)

// DefaultReadBufferSize is used when StreamOptions.ReadBufferSize is zero.
const DefaultReadBufferSize = 64 * 1024

// StreamOptions configures a Stream.
type StreamOptions struct {
	ReadBufferSize int
}

// Stream wraps a net.Conn. All methods must be called on the loop
// goroutine, and all callbacks are invoked there.
type Stream struct {
	conn    net.Conn
	post    api.Poster
	bufSize int

	reading bool
	closing bool
	closed  chan struct{}
	ack     chan struct{}
	wg      sync.WaitGroup
}

// NewStream binds c to the loop behind post.
func NewStream(c net.Conn, post api.Poster, opts StreamOptions) *Stream {
	size := opts.ReadBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}
	return &Stream{
		conn:    c,
		post:    post,
		bufSize: size,
		closed:  make(chan struct{}),
		ack:     make(chan struct{}, 1),
	}
}

// LocalAddr returns the local network address.
func (s *Stream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the peer network address.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Closing reports whether Close was called.
func (s *Stream) Closing() bool { return s.closing }

// StartRead begins delivering inbound bytes to onRead. The data slice is only
// valid for the duration of the callback; the stream reuses it afterwards.
// A read error (io.EOF included) is delivered once with nil data and ends
// reading. Nothing is delivered after Close.
func (s *Stream) StartRead(onRead func(data []byte, err error)) error {
	if s.closing {
		return api.ErrClosed
	}
	if s.reading {
		return api.ErrIllegalState
	}
	s.reading = true
	s.wg.Add(1)
	go s.readLoop(onRead)
	return nil
}

func (s *Stream) readLoop(onRead func([]byte, error)) {
	defer s.wg.Done()
	buf := make([]byte, s.bufSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 && !s.deliver(onRead, buf[:n], nil) {
			return
		}
		if err != nil {
			s.deliver(onRead, nil, err)
			return
		}
	}
}

// deliver hands one read result to the loop and waits until the callback
// has returned, so buf may be reused.
func (s *Stream) deliver(onRead func([]byte, error), data []byte, err error) bool {
	perr := s.post.Post(func() {
		if !s.closing {
			onRead(data, err)
		}
		s.ack <- struct{}{}
	})
	if perr != nil {
		return false
	}
	select {
	case <-s.ack:
		return true
	case <-s.closed:
		return false
	}
}

// Write issues one write of buf. buf must stay untouched until done runs.
func (s *Stream) Write(buf []byte, done func(error)) error {
	if s.closing {
		return api.ErrClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.conn.Write(buf)
		_ = s.post.Post(func() { done(err) })
	}()
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// Shutdown half-closes the write side. The peer observes EOF.
func (s *Stream) Shutdown(done func(error)) error {
	if s.closing {
		return api.ErrClosed
	}
	cw, ok := s.conn.(closeWriter)
	if !ok {
		return api.ErrNotSupported
	}
	err := cw.CloseWrite()
	return s.post.Post(func() { done(err) })
}

// Close closes the connection. done runs once every helper goroutine has
// exited. Subsequent calls are no-ops.
func (s *Stream) Close(done func()) {
	if s.closing {
		return
	}
	s.closing = true
	close(s.closed)
	_ = s.conn.Close()
	go func() {
		s.wg.Wait()
		if done != nil {
			_ = s.post.Post(done)
		}
	}()
}
