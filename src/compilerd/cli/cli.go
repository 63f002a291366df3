// Package cli provides the compilerd command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uber/compiler-server/src/compilerd/internal/core"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

// Error is an implementation of the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCommand returns the compilerd command tree. appOpts is the Fx application run by serve.
func NewRootCommand(appOpts fx.Option) *cobra.Command {
	root := &cobra.Command{
		Use:   "compilerd",
		Short: "Out-of-process compiler server",
		Long: `compilerd keeps compiler state warm across builds. Build tools send compile
requests to a per-user server instead of starting a compiler for every project.

Run 'compilerd build -- <compiler arguments>' to compile through the server,
starting one when none is running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(appOpts))
	root.AddCommand(newBuildCommand())
	root.AddCommand(newShutdownCommand())
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, appOpts fx.Option, args []string) int {
	root := NewRootCommand(appOpts)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			return exit.Code
		}
		fmt.Fprintln(root.ErrOrStderr(), "compilerd:", err)
		return 1
	}
	return 0
}

// environment is what the client side commands resolve from configuration.
type environment struct {
	cfg      config.Provider
	logger   *zap.SugaredLogger
	codec    *protocol.Codec
	identity endpoint.Identity
}

func loadEnvironment() (*environment, error) {
	cfg, err := core.NewConfig()
	if err != nil {
		return nil, err
	}
	logger, err := core.NewSugaredLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	codec, err := protocol.New(protocol.Params{Config: cfg})
	if err != nil {
		return nil, err
	}
	identity, err := endpoint.New(endpoint.Params{Config: cfg})
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:      cfg,
		logger:   logger,
		codec:    codec,
		identity: identity,
	}, nil
}
