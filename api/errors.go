// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the pool, write-state machine and stream server.
//
// Capacity errors (ErrFull, ErrEmpty, ErrBusy) are expected and recoverable.
// Lifecycle errors (ErrClosed, ErrNotReady, ErrIllegalState, ErrServerClosed)
// mean the operation was attempted outside its valid state. Transport errors
// are wrapped in *Error with ErrCodeTransport and delivered to the affected
// node only.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrFull         = errors.New("queue is full")
	ErrEmpty        = errors.New("queue is empty")
	ErrBusy         = errors.New("pending write queue is full")
	ErrClosed       = errors.New("connection is closed")
	ErrNotReady     = fmt.Errorf("%w: not ready", ErrClosed)
	ErrIllegalState = errors.New("illegal state")
	ErrServerClosed = errors.New("server is closed")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("operation not supported")
	ErrNotFound        = errors.New("resource not found")
)

// IsCapacity reports whether err signals an exhausted bounded resource.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrFull) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrBusy)
}

// IsLifecycle reports whether err signals an operation outside its valid state.
func IsLifecycle(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrServerClosed)
}

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeCapacity
	ErrCodeLifecycle
	ErrCodeTransport
	ErrCodeTimeout
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeCapacity:
		return "capacity"
	case ErrCodeLifecycle:
		return "lifecycle"
	case ErrCodeTransport:
		return "transport"
	case ErrCodeTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code ErrorCode
	Op   string
	Node NodeID
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Node.IsZero() {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s (node %s): %v", e.Code, e.Op, e.Node, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// TransportError wraps err as a transport failure of op on node.
// A nil err yields nil.
func TransportError(op string, node NodeID, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeTransport {
		return err
	}
	return &Error{Code: ErrCodeTransport, Op: op, Node: node, Err: err}
}

// WithNode returns a copy of e bound to node.
func (e *Error) WithNode(node NodeID) *Error {
	c := *e
	c.Node = node
	return &c
}
