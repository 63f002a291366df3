package errors

import (
	"context"
	stderr "errors"
)

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderr.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value.
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

var (
	// NoUUIDOnWireError reports that the request is missing a UUID.
	NoUUIDOnWireError = New("UUID is required")
	// NoWorkingDirectoryError reports that a compile request did not specify a working directory.
	NoWorkingDirectoryError = New("working directory is required")
	// ServerShuttingDownError reports that the server no longer accepts work.
	ServerShuttingDownError = New("server is shutting down")
)

// IsBadRequest reports whether the error is a bad request from the caller.
func IsBadRequest(e error) bool {
	var reqErr *RequestError
	return stderr.Is(e, NoUUIDOnWireError) || stderr.Is(e, NoWorkingDirectoryError) || stderr.As(e, &reqErr)
}

// IsCancelled reports whether the error chain contains a cancellation.
func IsCancelled(e error) bool {
	var c *CancelledError
	return stderr.As(e, &c) || stderr.Is(e, context.Canceled) || stderr.Is(e, context.DeadlineExceeded)
}
