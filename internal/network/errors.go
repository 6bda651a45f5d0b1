package network

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no matching reply arrives within the request window.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled is returned to a request superseded by a newer one of the same kind,
	// or abandoned because the connection was closed.
	ErrCancelled = errors.New("request cancelled")

	// ErrAuthRequired is returned by Rcon when no valid challenge is cached.
	ErrAuthRequired = errors.New("no valid challenge cached, request a challenge first")

	// ErrNotOpen is returned for requests on a connection that was never opened.
	ErrNotOpen = errors.New("connection not open")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")

	// ErrFailed is returned for requests on a connection in the Failed state.
	ErrFailed = errors.New("connection failed")

	// ErrHandshakeTimeout is the failure cause after too many consecutive
	// challenge timeouts.
	ErrHandshakeTimeout = errors.New("too many consecutive challenge timeouts")
)

// TransportError wraps a socket-level failure. It is fatal to the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
