package handler

import (
	controller "github.com/uber/compiler-server/src/compilerd/controller"
	compilerd "github.com/uber/compiler-server/src/compilerd/controller/compilerd"
	handler "github.com/uber/compiler-server/src/compilerd/handler/compilerd"
	"github.com/uber/compiler-server/src/compilerd/repository/connection"
	"go.uber.org/fx"
)

// Module provides the compiler server inbounds into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(connection.New),
	fx.Provide(handler.New),
	fx.Invoke(func(m handler.Handler) {}),
	fx.Invoke(func(m compilerd.Controller) {}),
)
