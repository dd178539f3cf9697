package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocked means the account trade mode is not REAL. Order actions
	// fail with this before any frame is written; the caller engages the
	// durable breaker.
	ErrBlocked = errors.New("order blocked: account trade mode is not REAL")

	// ErrClientClosed is returned for requests after Close.
	ErrClientClosed = errors.New("gateway client is closed")

	// ErrFrameTooLarge is returned when a frame header announces a body
	// beyond the configured limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrReplyMismatch is returned when a reply carries a req_id that does
	// not correlate with the request. The connection is recycled and the
	// exchange counts as a protocol failure.
	ErrReplyMismatch = errors.New("reply req_id mismatch")
)

// BrokerError is an application-level failure reported by the gateway in a
// well-formed reply, as opposed to a transport failure. It does not recycle
// the connection.
type BrokerError struct {
	Action  Action
	Status  Status
	Message string
}

func (e *BrokerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error on %s: status %s", e.Action, e.Status)
	}
	return fmt.Sprintf("gateway error on %s: %s", e.Action, e.Message)
}

// TimeoutError marks a request that exhausted its budget. The socket has
// already been closed and will be re-dialed on the next exchange.
type TimeoutError struct {
	Action Action
	Budget string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s: %v", e.Action, e.Budget, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
