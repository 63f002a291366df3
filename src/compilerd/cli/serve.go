package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/jsonrpcfx"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func newServeCommand(appOpts fx.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the compiler server in the foreground",
		Long: `Run the compiler server until it is asked to shut down or stays idle for the
configured timeout. Exits successfully without serving when another server
already owns the endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), appOpts)
		},
	}
}

func runServe(ctx context.Context, appOpts fx.Option) error {
	app := fx.New(
		appOpts,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		if errors.Is(err, jsonrpcfx.ErrServerAlreadyRunning) {
			return nil
		}
		return err
	}

	sig := <-app.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if sig.ExitCode != 0 {
		return &ExitError{Code: sig.ExitCode}
	}
	return nil
}
