package clientsync

import (
	"errors"
	"fmt"
)

var (
	ErrTransport  = errors.New("transport failure")
	ErrAuth       = errors.New("authentication rejected")
	ErrNoIdentity = errors.New("no identity")
	ErrClosed     = errors.New("closed")
)

// TransportError wraps a failed dial, read or write. The mutation being sent
// stays in the durable queue.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// AuthError is a handshake the server refused. No retry happens until a new
// identity is set.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.StatusCode)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}
