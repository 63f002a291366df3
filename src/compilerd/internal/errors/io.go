package errors

import (
	stderr "errors"
	"fmt"
)

// ArgumentError reports a caller bug, such as an invalid combination of open flags.
// It is never retried and never normalized into an I/O error.
type ArgumentError struct {
	Param   string
	Message string
}

// Error is an implementation of the error interface.
func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Param, e.Message)
}

// FileNotFoundError reports that a requested file, or a directory on its path, does not exist.
type FileNotFoundError struct {
	Path string
	Err  error
}

// Error is an implementation of the error interface.
func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("could not find file %q", e.Path)
}

// Unwrap returns the underlying error.
func (e *FileNotFoundError) Unwrap() error {
	return e.Err
}

// IOError is the generic I/O failure produced by the file system facade.
type IOError struct {
	Path    string
	Message string
	Err     error
}

// Error is an implementation of the error interface.
func (e *IOError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// CancelledError reports that a request was abandoned because its client went away.
type CancelledError struct {
	Err error
}

// Error is an implementation of the error interface.
func (e *CancelledError) Error() string {
	if e.Err == nil {
		return "request cancelled"
	}
	return fmt.Sprintf("request cancelled: %s", e.Err)
}

// Unwrap returns the underlying error.
func (e *CancelledError) Unwrap() error {
	return e.Err
}

// IsArgument reports whether the error chain contains an ArgumentError.
func IsArgument(e error) bool {
	var a *ArgumentError
	return stderr.As(e, &a)
}

// IsFileNotFound returns the missing path and true if FileNotFoundError is part of the error chain.
func IsFileNotFound(e error) (path string, ok bool) {
	var nf *FileNotFoundError
	if !stderr.As(e, &nf) {
		return "", false
	}
	return nf.Path, true
}

// IsNormalizedIO reports whether the error is one of the normalized I/O errors produced by the file system facade.
func IsNormalizedIO(e error) bool {
	var nf *FileNotFoundError
	var io *IOError
	return stderr.As(e, &nf) || stderr.As(e, &io)
}
