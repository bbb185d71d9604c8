package adk

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptySessionID is returned when an operation needs a session id and got none.
var ErrEmptySessionID = errors.New("session id is required")

// TransportError is a network or HTTP-level failure talking to the backend.
type TransportError struct {
	Op         string // "create-session", "run", "get-session"
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a response the client could not make sense of.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected payload: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsCanceled reports whether err comes from the caller aborting the operation.
// Cancellation is never a failure and must not drive backoff.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
