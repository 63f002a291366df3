// Package app composes the compiler server Fx application.
package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/gateway/compiler"
	"github.com/uber/compiler-server/src/compilerd/handler"
	"github.com/uber/compiler-server/src/compilerd/internal/clock"
	"github.com/uber/compiler-server/src/compilerd/internal/core"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"github.com/uber/compiler-server/src/compilerd/internal/fs"
	"github.com/uber/compiler-server/src/compilerd/internal/generation"
	"github.com/uber/compiler-server/src/compilerd/internal/jsonrpcfx"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"github.com/uber/compiler-server/src/compilerd/internal/serverinfofile"
	"github.com/uber/compiler-server/src/compilerd/internal/serverstate"
	"go.uber.org/fx"
)

// Module defines the compilerd application module.
var Module = fx.Options(
	compiler.Module, // outbounds
	handler.Module,  // inbounds
	jsonrpcfx.Module,
	fs.Module,
	extension.Module,
	generation.Module,
	protocol.Module,
	endpoint.Module,
	serverstate.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(clock.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "compilerd",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Decorate(decorateConfigProvider),
)
