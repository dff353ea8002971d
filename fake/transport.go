// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the write path.

package fake

import (
	"sync"
)

// Issuer is a recording conn.Issuer. It never completes anything on its
// own; tests drive completions through the writer.
type Issuer struct {
	mu          sync.Mutex
	writes      [][]byte
	shutdowns   int
	closes      int
	writeError  error
	shutdownErr error
}

// NewIssuer creates an Issuer that accepts every request.
func NewIssuer() *Issuer {
	return &Issuer{writes: make([][]byte, 0)}
}

// IssueWrite records a copy of buf.
func (i *Issuer) IssueWrite(buf []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.writeError != nil {
		return i.writeError
	}
	bufCopy := make([]byte, len(buf))
	copy(bufCopy, buf)
	i.writes = append(i.writes, bufCopy)
	return nil
}

// IssueShutdown records a shutdown request.
func (i *Issuer) IssueShutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.shutdownErr != nil {
		return i.shutdownErr
	}
	i.shutdowns++
	return nil
}

// IssueClose records a close request.
func (i *Issuer) IssueClose() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closes++
}

// SetWriteError makes IssueWrite fail synchronously with err (nil clears).
func (i *Issuer) SetWriteError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writeError = err
}

// SetShutdownError makes IssueShutdown fail with err (nil clears).
func (i *Issuer) SetShutdownError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shutdownErr = err
}

// Written returns the payloads issued so far, in order.
func (i *Issuer) Written() [][]byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([][]byte, len(i.writes))
	copy(out, i.writes)
	return out
}

// WrittenStrings is Written converted to strings.
func (i *Issuer) WrittenStrings() []string {
	w := i.Written()
	out := make([]string, len(w))
	for n, b := range w {
		out[n] = string(b)
	}
	return out
}

// Shutdowns returns the number of shutdown requests.
func (i *Issuer) Shutdowns() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.shutdowns
}

// Closes returns the number of close requests.
func (i *Issuer) Closes() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closes
}

// ClearWritten clears the recorded payloads.
func (i *Issuer) ClearWritten() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.writes = i.writes[:0]
}
