package protocol

const (
	// Version is the protocol version spoken by this build. Requests carrying any other version are refused.
	Version uint32 = 3

	// MethodBuild carries a compile request.
	MethodBuild = "compilerd/build"
	// MethodShutdown asks the server to exit once in-flight work completes.
	MethodShutdown = "compilerd/shutdown"
)

// Header is validated before any other part of a request is interpreted.
type Header struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
	CompilerHash    string `json:"compilerHash"`
}

// BuildRequestWire is the serialized form of a request.
type BuildRequestWire struct {
	Header

	RequestID        string   `json:"requestId,omitempty"`
	Language         string   `json:"language,omitempty"`
	WorkingDirectory string   `json:"workingDirectory,omitempty"`
	TempDirectory    string   `json:"tempDirectory,omitempty"`
	LibDirectory     string   `json:"libDirectory,omitempty"`
	KeepAliveSeconds *int     `json:"keepAliveSeconds,omitempty"`
	Arguments        []string `json:"arguments,omitempty"`
	LibraryPaths     []string `json:"libraryPaths,omitempty"`
}

// BuildResponseWire is the serialized form of a response.
// Console text that is not valid UTF-8 travels in OutputBytes instead of Output.
type BuildResponseWire struct {
	Reason          string   `json:"reason"`
	ExitCode        int      `json:"exitCode"`
	Output          string   `json:"output,omitempty"`
	OutputBytes     []byte   `json:"outputBytes,omitempty"`
	Utf8Output      bool     `json:"utf8Output,omitempty"`
	ServerProcessID int      `json:"serverProcessId,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
	ExtensionPaths  []string `json:"extensionPaths,omitempty"`
}
