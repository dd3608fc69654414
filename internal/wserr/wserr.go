// Package wserr provides the gateway's error taxonomy: a small set of
// machine-readable categories surfaced to clients in a uniform error frame.
//
// Input, authorization and internal errors reach the client as an error
// frame; directory errors are recovered locally and peer errors simply
// disconnect the client without an error frame.
package wserr

import "fmt"

// Code is a machine-readable error category.
type Code string

const (
	// CodeInput covers missing/invalid fields, unknown service or action,
	// unknown emoji, and position shape mismatches.
	CodeInput Code = "INPUT_ERROR"

	// CodeAuthorization covers actions taken without the required
	// prerequisite state (e.g. sending to a channel never joined).
	CodeAuthorization Code = "AUTHORIZATION_ERROR"

	// CodeInternal covers unexpected failures inside a service handler.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is the uniform error shape service handlers return. It is never
// itself a directory or peer error — those are handled without reaching
// the client.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Input builds an input-validation error.
func Input(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInput, Message: fmt.Sprintf(format, args...)}
}

// Authorization builds an authorization error.
func Authorization(format string, args ...interface{}) *Error {
	return &Error{Code: CodeAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}
