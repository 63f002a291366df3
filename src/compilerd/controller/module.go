package controller

import (
	"github.com/uber/compiler-server/src/compilerd/controller/compilerd"
	"go.uber.org/fx"
)

// Module provides the controllers of the service.
var Module = fx.Options(
	fx.Provide(compilerd.New),
)
