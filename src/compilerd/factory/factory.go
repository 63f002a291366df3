package factory

import (
	"github.com/gofrs/uuid"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"go.lsp.dev/jsonrpc2"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// JSONRPCRequest is a user-defined factory for a JSON-RPC request containing the specified method and parameters.
func JSONRPCRequest(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), method, params)
	return req
}

// BuildRequest is a factory for a compile request rooted at the given working directory.
func BuildRequest(workingDirectory string, args ...string) *entity.BuildRequest {
	return &entity.BuildRequest{
		ID:               UUID(),
		Kind:             entity.RequestKindCompile,
		Language:         entity.LanguageCSharp,
		Arguments:        args,
		WorkingDirectory: workingDirectory,
		TempDirectory:    workingDirectory,
	}
}
