// Package protocol translates between the compile request/response wire format and domain entities.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/uuid"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configKeyServer = "server"

	// KeepAliveForever is the keepAliveSeconds value asking the server to never shut down when idle.
	KeepAliveForever = -1

	_maxKeepAliveSeconds = int64(math.MaxInt64 / time.Second)
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerConfig is the part of the server block that identifies the compiler build.
type ServerConfig struct {
	Version      string `yaml:"version"`
	CompilerHash string `yaml:"compilerHash"`
}

// Params are inbound parameters to initialize a new Codec.
type Params struct {
	fx.In

	Config config.Provider
}

// Codec validates and converts wire messages. It never panics on malformed input.
type Codec struct {
	compilerHash string
}

// New creates a Codec for the compiler identity described by the configuration.
func New(p Params) (*Codec, error) {
	var cfg ServerConfig
	if err := p.Config.Get(_configKeyServer).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyServer, err)
	}
	return NewCodec(ResolveCompilerHash(cfg.CompilerHash, cfg.Version)), nil
}

// NewCodec creates a Codec expecting the given compiler hash.
func NewCodec(compilerHash string) *Codec {
	return &Codec{compilerHash: compilerHash}
}

// CompilerHash returns the compiler identity clients must present.
func (c *Codec) CompilerHash() string {
	return c.compilerHash
}

// ResolveCompilerHash returns the configured hash, or derives one from the version and the VCS revision of the running binary.
func ResolveCompilerHash(configured, version string) string {
	if configured != "" {
		return configured
	}
	revision := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
			}
		}
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(version+"\x00"+revision))
}

// DecodeRequest decodes a request frame. Exactly one of the results is non-nil: the request,
// or the response that must be sent back in place of running it.
func (c *Codec) DecodeRequest(method string, params json.RawMessage) (req *entity.BuildRequest, failure *entity.BuildResponse) {
	defer func() {
		if r := recover(); r != nil {
			req, failure = nil, badRequest(&errors.RequestError{Message: fmt.Sprintf("malformed request: %v", r)})
		}
	}()

	var header Header
	if err := json.Unmarshal(params, &header); err != nil {
		return nil, badRequest(&errors.RequestError{Message: "malformed request header", Err: err})
	}
	if header.ProtocolVersion != Version {
		return nil, &entity.BuildResponse{Reason: entity.ReasonMismatchedVersion}
	}
	if header.CompilerHash != c.compilerHash {
		return nil, &entity.BuildResponse{Reason: entity.ReasonIncorrectHash}
	}

	var wire BuildRequestWire
	if err := json.Unmarshal(params, &wire); err != nil {
		return nil, badRequest(&errors.RequestError{Message: "malformed request", Err: err})
	}

	switch method {
	case MethodBuild:
		req, err := buildRequestFromWire(&wire)
		if err != nil {
			return nil, badRequest(err)
		}
		return req, nil
	case MethodShutdown:
		req := &entity.BuildRequest{Kind: entity.RequestKindShutdown}
		if wire.RequestID != "" {
			id, err := uuid.FromString(wire.RequestID)
			if err != nil {
				return nil, badRequest(&errors.RequestError{Message: "invalid requestId", Err: err})
			}
			req.ID = id
		}
		return req, nil
	default:
		return nil, badRequest(&errors.RequestError{Message: fmt.Sprintf("unknown request kind %q", method)})
	}
}

func badRequest(err error) *entity.BuildResponse {
	return entity.NewRequestErrorResponse(err.Error())
}

func buildRequestFromWire(wire *BuildRequestWire) (*entity.BuildRequest, error) {
	if wire.RequestID == "" {
		return nil, errors.NoUUIDOnWireError
	}
	id, err := uuid.FromString(wire.RequestID)
	if err != nil {
		return nil, &errors.RequestError{Message: "invalid requestId", Err: err}
	}

	lang, err := ParseLanguage(wire.Language)
	if err != nil {
		return nil, err
	}

	if wire.WorkingDirectory == "" {
		return nil, errors.NoWorkingDirectoryError
	}
	if !filepath.IsAbs(wire.WorkingDirectory) {
		return nil, &errors.RequestError{Message: fmt.Sprintf("working directory must be absolute: %q", wire.WorkingDirectory)}
	}

	req := &entity.BuildRequest{
		ID:               id,
		Kind:             entity.RequestKindCompile,
		Language:         lang,
		Arguments:        append([]string{}, wire.Arguments...),
		WorkingDirectory: wire.WorkingDirectory,
		TempDirectory:    wire.TempDirectory,
		LibDirectory:     wire.LibDirectory,
		LibraryPaths:     append([]string{}, wire.LibraryPaths...),
	}
	if wire.KeepAliveSeconds != nil {
		keepAlive, err := keepAliveFromWire(*wire.KeepAliveSeconds)
		if err != nil {
			return nil, err
		}
		req.KeepAlive = &keepAlive
	}
	return req, nil
}

// keepAliveFromWire converts keepAliveSeconds. KeepAliveForever is the only negative value accepted.
func keepAliveFromWire(seconds int) (time.Duration, error) {
	switch {
	case seconds == KeepAliveForever:
		return -time.Second, nil
	case seconds < 0 || int64(seconds) > _maxKeepAliveSeconds:
		return 0, &errors.RequestError{Message: fmt.Sprintf("keepAliveSeconds must be %d or between 0 and %d, got %d", KeepAliveForever, _maxKeepAliveSeconds, seconds)}
	default:
		return time.Duration(seconds) * time.Second, nil
	}
}

// ParseLanguage accepts the common spellings of the supported languages.
func ParseLanguage(s string) (entity.Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csharp", "c#", "cs":
		return entity.LanguageCSharp, nil
	case "vb", "visualbasic", "visual basic", "vb.net":
		return entity.LanguageVisualBasic, nil
	default:
		return "", &errors.RequestError{Message: fmt.Sprintf("unknown language %q", s)}
	}
}

// EncodeRequest returns the method and wire payload for a request.
func (c *Codec) EncodeRequest(req *entity.BuildRequest) (string, *BuildRequestWire) {
	wire := &BuildRequestWire{
		Header: Header{ProtocolVersion: Version, CompilerHash: c.compilerHash},
	}
	if req.ID != uuid.Nil {
		wire.RequestID = req.ID.String()
	}
	if req.Kind == entity.RequestKindShutdown {
		return MethodShutdown, wire
	}

	wire.Language = string(req.Language)
	wire.WorkingDirectory = req.WorkingDirectory
	wire.TempDirectory = req.TempDirectory
	wire.LibDirectory = req.LibDirectory
	wire.Arguments = req.Arguments
	wire.LibraryPaths = req.LibraryPaths
	if req.KeepAlive != nil {
		seconds := int(*req.KeepAlive / time.Second)
		if *req.KeepAlive < 0 {
			seconds = KeepAliveForever
		}
		wire.KeepAliveSeconds = &seconds
	}
	return MethodBuild, wire
}

// EncodeResponse returns the wire form of a response.
func (c *Codec) EncodeResponse(resp *entity.BuildResponse) *BuildResponseWire {
	if resp == nil {
		resp = entity.NewRequestErrorResponse("no response produced")
	}
	wire := &BuildResponseWire{
		Reason:          string(resp.Reason),
		ExitCode:        resp.ExitCode,
		Utf8Output:      resp.Utf8Output,
		ServerProcessID: resp.ServerProcessID,
		ErrorMessage:    resp.ErrorMessage,
		ExtensionPaths:  resp.ExtensionPaths,
	}
	if utf8.ValidString(resp.Output) {
		wire.Output = resp.Output
	} else {
		wire.OutputBytes = []byte(resp.Output)
	}
	return wire
}

// DecodeResponse decodes a response frame. Unreadable frames and unknown reasons decode to a RequestError response.
func (c *Codec) DecodeResponse(raw json.RawMessage) *entity.BuildResponse {
	var wire BuildResponseWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return entity.NewRequestErrorResponse(fmt.Sprintf("malformed response: %s", err))
	}

	reason := entity.CompletionReason(wire.Reason)
	if !reason.Valid() {
		return entity.NewRequestErrorResponse(fmt.Sprintf("unknown response reason %q", wire.Reason))
	}

	output := wire.Output
	if len(wire.OutputBytes) > 0 {
		output = string(wire.OutputBytes)
	}
	return &entity.BuildResponse{
		Reason:          reason,
		ExitCode:        wire.ExitCode,
		Output:          output,
		Utf8Output:      wire.Utf8Output,
		ServerProcessID: wire.ServerProcessID,
		ErrorMessage:    wire.ErrorMessage,
		ExtensionPaths:  wire.ExtensionPaths,
	}
}
