package errors

import (
	stderr "errors"
	"fmt"
)

// RequestError reports a malformed or unprocessable request.
type RequestError struct {
	Message string
	Err     error
}

// Error is an implementation of the error interface.
func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ProtocolMismatchError reports that client and server disagree on protocol version or compiler identity.
// Callers are expected to fall back to compiling in-process.
type ProtocolMismatchError struct {
	// Reason is the response reason reported by the server.
	Reason string
}

// Error is an implementation of the error interface.
func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("server protocol mismatch: %s", e.Reason)
}

// IsProtocolMismatch reports whether the error chain contains a ProtocolMismatchError.
func IsProtocolMismatch(e error) bool {
	var m *ProtocolMismatchError
	return stderr.As(e, &m)
}
