package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/client"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/gateway/compiler"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"github.com/uber/compiler-server/src/compilerd/internal/fs"
	"github.com/uber/compiler-server/src/compilerd/internal/generation"
	"github.com/uber/compiler-server/src/compilerd/internal/launcher"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.uber.org/zap"
)

type buildOptions struct {
	language         string
	workingDirectory string
	libDirectory     string
	libraryPaths     []string
	keepAlive        time.Duration
	noStart          bool
	noFallback       bool
}

func newBuildCommand() *cobra.Command {
	var opts buildOptions
	cmd := &cobra.Command{
		Use:   "build [flags] -- <compiler arguments>",
		Short: "Compile through the compiler server",
		Long: `Send one compile to the compiler server, starting a server when none is running.
When the server cannot serve the compile, for example because it runs another
compiler build or loaded other revisions of the analyzers, the compile runs
in this process instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var keepAlive *time.Duration
			if cmd.Flags().Changed("keep-alive") {
				keepAlive = &opts.keepAlive
			}
			return runBuild(cmd, opts, keepAlive, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.language, "language", "l", "csharp", "Source language (csharp|vb)")
	flags.StringVarP(&opts.workingDirectory, "working-directory", "C", "", "Directory relative paths are resolved against (default: current directory)")
	flags.StringVar(&opts.libDirectory, "lib-directory", "", "Directory searched for references")
	flags.StringSliceVar(&opts.libraryPaths, "lib-path", nil, "Additional directories searched for references")
	flags.DurationVar(&opts.keepAlive, "keep-alive", 0, "How long the server stays up after its last connection closes (negative: forever)")
	flags.BoolVar(&opts.noStart, "no-start", false, "Do not start a server when none is running")
	flags.BoolVar(&opts.noFallback, "no-fallback", false, "Fail instead of compiling in-process when the server cannot serve the compile")
	return cmd
}

func runBuild(cmd *cobra.Command, opts buildOptions, keepAlive *time.Duration, args []string) error {
	ctx := cmd.Context()
	env, err := loadEnvironment()
	if err != nil {
		return err
	}

	req, err := newBuildRequest(opts, keepAlive, args)
	if err != nil {
		return err
	}

	resp, err := buildOnServer(ctx, env, opts, req)
	if err == nil && resp.Reason == entity.ReasonCompleted {
		return complete(cmd, resp.ExitCode, resp.Output)
	}
	if errors.IsCancelled(err) {
		return err
	}

	reason := describeFailure(resp, err)
	if opts.noFallback {
		return fmt.Errorf("server could not compile: %s", reason)
	}
	env.logger.Infow("compiling in-process", zap.Stringer("requestId", req.ID), zap.String("reason", reason))

	result, err := compileInProcess(ctx, env, req)
	if err != nil {
		return err
	}
	return complete(cmd, result.ExitCode, result.Output)
}

func newBuildRequest(opts buildOptions, keepAlive *time.Duration, args []string) (*entity.BuildRequest, error) {
	lang, err := protocol.ParseLanguage(opts.language)
	if err != nil {
		return nil, err
	}

	wd := opts.workingDirectory
	if wd == "" {
		wd = "."
	}
	if wd, err = filepath.Abs(wd); err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}

	var libraryPaths []string
	for _, p := range opts.libraryPaths {
		libraryPaths = append(libraryPaths, absolute(wd, p))
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generating request id: %w", err)
	}
	return &entity.BuildRequest{
		ID:               id,
		Kind:             entity.RequestKindCompile,
		Language:         lang,
		Arguments:        args,
		WorkingDirectory: wd,
		TempDirectory:    os.TempDir(),
		LibDirectory:     absolute(wd, opts.libDirectory),
		LibraryPaths:     libraryPaths,
		KeepAlive:        keepAlive,
	}, nil
}

func absolute(wd, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(wd, path)
}

func buildOnServer(ctx context.Context, env *environment, opts buildOptions, req *entity.BuildRequest) (*entity.BuildResponse, error) {
	connectOpts := client.Options{Logger: env.logger}
	if !opts.noStart {
		connectOpts.Start = startServer(env.logger)
	}

	c, err := client.Connect(ctx, env.identity.SocketPath, env.codec, connectOpts)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.Build(ctx, req)
}

// startServer launches this executable's serve command in the background.
func startServer(logger *zap.SugaredLogger) func() error {
	return func() error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving executable: %w", err)
		}
		cmd := exec.Command(exe, "serve")
		cmd.Env = os.Environ()
		_, err = launcher.New(launcher.WithLogger(logger)).Start(cmd)
		return err
	}
}

func compileInProcess(ctx context.Context, env *environment, req *entity.BuildRequest) (*compiler.Result, error) {
	backing := afero.NewOsFs()
	gen, err := generation.New(generation.Params{Config: env.cfg, Stats: tally.NoopScope, Logger: env.logger})
	if err != nil {
		return nil, err
	}

	gw, err := compiler.New(compiler.Params{Config: env.cfg, Logger: env.logger, Stats: tally.NoopScope})
	if err != nil {
		return nil, err
	}
	return gw.Compile(ctx, &compiler.Invocation{
		RequestID:        req.ID.String(),
		Language:         req.Language,
		Arguments:        req.Arguments,
		WorkingDirectory: req.WorkingDirectory,
		TempDirectory:    req.TempDirectory,
		LibDirectory:     req.LibDirectory,
		LibraryPaths:     req.LibraryPaths,
		Extensions:       extension.New(extension.Params{FS: backing, Stats: tally.NoopScope, Logger: env.logger}),
		Generation:       gen,
		FS:               fs.New(backing),
		AccessLog:        fs.NewAccessLog(),
	})
}

func describeFailure(resp *entity.BuildResponse, err error) string {
	if err != nil {
		return err.Error()
	}
	parts := []string{string(resp.Reason)}
	if resp.ErrorMessage != "" {
		parts = append(parts, resp.ErrorMessage)
	}
	if len(resp.ExtensionPaths) > 0 {
		parts = append(parts, strings.Join(resp.ExtensionPaths, ", "))
	}
	return strings.Join(parts, ": ")
}

func complete(cmd *cobra.Command, exitCode int, output string) error {
	fmt.Fprint(cmd.OutOrStdout(), output)
	if exitCode != 0 {
		return &ExitError{Code: exitCode}
	}
	return nil
}
