package relay

import (
	"errors"
	"fmt"
)

// Relay error codes as constants
const (
	// ErrorCodeConnection indicates the coordinator could not be reached or
	// closed the connection before sending a result.
	ErrorCodeConnection = "connection_failed"

	// ErrorCodeTimeout indicates no callback arrived before the deadline.
	ErrorCodeTimeout = "wait_timeout"

	// ErrorCodeSuperseded indicates a newer single-slot registration
	// displaced this wait.
	ErrorCodeSuperseded = "superseded"

	// ErrorCodeStateInUse indicates a waiter is already registered for the
	// same explicit state.
	ErrorCodeStateInUse = "state_in_use"

	// ErrorCodeProtocol indicates a malformed or unexpected frame.
	ErrorCodeProtocol = "protocol_error"
)

// Error is a relay failure surfaced to the wait primitive caller.
type Error struct {
	Code        string // Stable error code (e.g. "wait_timeout")
	Description string // Human-readable error description
	Err         error  // Underlying cause, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new relay error
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// wrapError creates a relay error that preserves the underlying cause.
func wrapError(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// errorCodeIs reports whether err carries the given relay error code.
func errorCodeIs(err error, code string) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}

// IsConnection reports whether err means the coordinator was unreachable.
func IsConnection(err error) bool {
	return errorCodeIs(err, ErrorCodeConnection)
}

// IsTimeout reports whether err means the wait deadline elapsed.
func IsTimeout(err error) bool {
	return errorCodeIs(err, ErrorCodeTimeout)
}

// IsSuperseded reports whether err means the wait was displaced by a newer
// single-slot registration.
func IsSuperseded(err error) bool {
	return errorCodeIs(err, ErrorCodeSuperseded)
}

// IsStateInUse reports whether err means the explicit state was already
// claimed by another waiter.
func IsStateInUse(err error) bool {
	return errorCodeIs(err, ErrorCodeStateInUse)
}

// IsProtocol reports whether err means a malformed or unexpected frame.
func IsProtocol(err error) bool {
	return errorCodeIs(err, ErrorCodeProtocol)
}
