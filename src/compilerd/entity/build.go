// Package entity contains the domain logic for the compiler server.
package entity

import (
	"time"

	"github.com/gofrs/uuid"
)

// RequestKind discriminates the work a client asks the server to perform.
type RequestKind int

const (
	// RequestKindCompile asks the server to run one compilation.
	RequestKindCompile RequestKind = iota + 1
	// RequestKindShutdown asks the server to exit once in-flight work completes.
	RequestKindShutdown
)

// String implements fmt.Stringer.
func (k RequestKind) String() string {
	switch k {
	case RequestKindCompile:
		return "compile"
	case RequestKindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Language identifies the compiler front end requested by the client.
type Language string

const (
	// LanguageCSharp selects the C# front end.
	LanguageCSharp Language = "csharp"
	// LanguageVisualBasic selects the Visual Basic front end.
	LanguageVisualBasic Language = "vb"
)

// BuildRequest is one compile request received from a client. It is immutable once received.
type BuildRequest struct {
	ID               uuid.UUID      `json:"id" zap:"id"`
	Kind             RequestKind    `json:"kind" zap:"kind"`
	Language         Language       `json:"language" zap:"language"`
	Arguments        []string       `json:"arguments" zap:"-"`
	WorkingDirectory string         `json:"workingDirectory" zap:"workingDirectory"`
	TempDirectory    string         `json:"tempDirectory" zap:"tempDirectory"`
	LibDirectory     string         `json:"libDirectory" zap:"-"`
	KeepAlive        *time.Duration `json:"keepAlive" zap:"-"`
	LibraryPaths     []string       `json:"libraryPaths" zap:"-"`
}

// CompletionReason discriminates the variants of a BuildResponse.
type CompletionReason string

const (
	// ReasonCompleted indicates the compilation ran; ExitCode and Output are set.
	ReasonCompleted CompletionReason = "Completed"
	// ReasonMismatchedVersion indicates the client speaks a different protocol version.
	ReasonMismatchedVersion CompletionReason = "MismatchedVersion"
	// ReasonIncorrectHash indicates the client was built against a different compiler.
	ReasonIncorrectHash CompletionReason = "IncorrectHash"
	// ReasonRequestError indicates the request could not be processed; ErrorMessage is set.
	ReasonRequestError CompletionReason = "RequestError"
	// ReasonAnalyzerInconsistency indicates extension modules could not be loaded consistently; ExtensionPaths is set.
	ReasonAnalyzerInconsistency CompletionReason = "AnalyzerInconsistency"
	// ReasonShutdown acknowledges a shutdown request; ServerProcessID is set.
	ReasonShutdown CompletionReason = "Shutdown"
	// ReasonRejected indicates the server refused the request because it is shutting down.
	ReasonRejected CompletionReason = "Rejected"
)

// Valid reports whether the reason is one of the known variants.
func (r CompletionReason) Valid() bool {
	switch r {
	case ReasonCompleted, ReasonMismatchedVersion, ReasonIncorrectHash, ReasonRequestError,
		ReasonAnalyzerInconsistency, ReasonShutdown, ReasonRejected:
		return true
	}
	return false
}

// BuildResponse is the single result produced for a BuildRequest.
type BuildResponse struct {
	Reason          CompletionReason `json:"reason" zap:"reason"`
	ExitCode        int              `json:"exitCode" zap:"exitCode"`
	Output          string           `json:"output" zap:"-"`
	Utf8Output      bool             `json:"utf8Output" zap:"-"`
	ServerProcessID int              `json:"serverProcessId" zap:"serverProcessId"`
	ErrorMessage    string           `json:"errorMessage" zap:"errorMessage"`
	ExtensionPaths  []string         `json:"extensionPaths" zap:"-"`

	// FileAccesses is the ordered access report of the compile. It stays in-process and is never serialized.
	FileAccesses []FileAccessRecord `json:"-" zap:"-"`
}

// NewCompletedResponse returns a Completed response.
func NewCompletedResponse(exitCode int, output string, utf8Output bool) *BuildResponse {
	return &BuildResponse{Reason: ReasonCompleted, ExitCode: exitCode, Output: output, Utf8Output: utf8Output}
}

// NewRequestErrorResponse returns a RequestError response.
func NewRequestErrorResponse(message string) *BuildResponse {
	return &BuildResponse{Reason: ReasonRequestError, ErrorMessage: message}
}

// NewRejectedResponse returns a Rejected response.
func NewRejectedResponse(message string) *BuildResponse {
	return &BuildResponse{Reason: ReasonRejected, ErrorMessage: message}
}

// NewAnalyzerInconsistencyResponse returns an AnalyzerInconsistency response listing the offending extension paths.
func NewAnalyzerInconsistencyResponse(paths []string) *BuildResponse {
	return &BuildResponse{Reason: ReasonAnalyzerInconsistency, ExtensionPaths: paths}
}

// NewShutdownResponse returns a Shutdown acknowledgement.
func NewShutdownResponse(pid int) *BuildResponse {
	return &BuildResponse{Reason: ReasonShutdown, ServerProcessID: pid}
}
