package main

import (
	"context"
	"os"

	"github.com/uber/compiler-server/src/compilerd/app"
	"github.com/uber/compiler-server/src/compilerd/cli"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	// New to Fx? Brush up at https://uber-go.github.io/fx/.
	os.Exit(cli.Execute(context.Background(), opts(), os.Args[1:]))
}
