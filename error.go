package cerver

import (
	"errors"
	"fmt"
)

// Error is a generic interface for error handling.
type Error interface {
	error
	Fatal() bool // should return true if the error is fatal, otherwise false.
}

var (
	_ Error = &FramingError{}
	_ Error = &TransportError{}
	_ Error = &AuthError{}
	_ Error = &CodecError{}
)

// FramingError is returned when a received header carries an impossible size.
// The byte alignment of the stream can not be trusted afterwards.
type FramingError struct {
	Size   uint64
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("bad packet size %d: %s", e.Size, e.Reason)
}

// Fatal implements the Error Fatal method.
func (e *FramingError) Fatal() bool { return true }

// Is makes every FramingError match ErrPacketLost.
func (e *FramingError) Is(target error) bool { return target == ErrPacketLost }

// TransportError wraps a socket read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s err: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Fatal implements the Error Fatal method.
func (e *TransportError) Fatal() bool { return true }

// AuthError is returned when credentials are rejected.
type AuthError struct {
	Reason         string
	TriesRemaining int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s (%d tries remaining)", e.Reason, e.TriesRemaining)
}

// Fatal implements the Error Fatal method.
func (e *AuthError) Fatal() bool { return e.TriesRemaining <= 0 }

var (
	// ErrServerStopped is used when server stopped.
	ErrServerStopped = errors.New("server stopped")

	// ErrPacketLost is matched by every FramingError.
	ErrPacketLost = errors.New("packet stream lost")

	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrPacketHeaderUnset is returned by Generate when neither the packet type nor the request type is set.
	ErrPacketHeaderUnset = errors.New("packet header unset")

	// ErrProtocolMismatch marks a packet whose protocol tag is not accepted.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrRouteNotFound marks a packet no handler is registered for.
	ErrRouteNotFound = errors.New("route not found")

	// ErrQueueFull is returned by WorkerPool.Submit when the queue depth limit is reached.
	ErrQueueFull = errors.New("worker queue full")

	// ErrPoolStopped is returned by WorkerPool.Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrNoAuthenticator is used when authentication is required but no Authenticator is set.
	ErrNoAuthenticator = errors.New("no authenticator")
)

// IsFatal reports whether err should terminate the connection.
func IsFatal(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

func isLost(err error) bool {
	return errors.Is(err, ErrPacketLost)
}
