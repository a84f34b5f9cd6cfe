package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrResponseTimeout is returned when no reply arrived within the timeout
	// budget measured from the call's last activity.
	ErrResponseTimeout = errors.New("transport: timed out waiting for response")
	// ErrConnection matches any *ConnectionError via errors.Is.
	ErrConnection = errors.New("transport: connection failure")
	// ErrRemote matches any *RemoteError via errors.Is.
	ErrRemote = errors.New("transport: remote invocation error")
	// ErrNoResponses is returned by a fan-out call when not a single endpoint replied.
	ErrNoResponses = errors.New("transport: no responses")
	// ErrClientClosed is returned for calls issued after the pool was closed.
	ErrClientClosed = errors.New("transport: client closed")
)

// ConnectionError reports a socket-level failure on the connection to Endpoint.
// The connection is torn down and every call in flight on it fails with it.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// RemoteError carries the error text of a call that failed inside the remote
// handler. It is never produced by a local failure.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
