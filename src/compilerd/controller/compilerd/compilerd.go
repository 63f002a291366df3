// Package compilerd implements the compile orchestration business logic.
package compilerd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/gateway/compiler"
	"github.com/uber/compiler-server/src/compilerd/internal/clock"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"github.com/uber/compiler-server/src/compilerd/internal/fs"
	"github.com/uber/compiler-server/src/compilerd/internal/generation"
	"github.com/uber/compiler-server/src/compilerd/internal/serverstate"
	"github.com/uber/compiler-server/src/compilerd/mapper"
	"github.com/uber/compiler-server/src/compilerd/repository/connection"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Controller orchestrates the business logic for each request.
type Controller interface {
	// Build runs one request to completion and returns its single response. A nil response with a
	// *errors.CancelledError means the client went away and nothing must be sent.
	Build(ctx context.Context, req *entity.BuildRequest) (*entity.BuildResponse, error)
	// RequestShutdown stops accepting work and asks the application to exit once in-flight work completes.
	RequestShutdown(ctx context.Context) error

	// Connection bookkeeping.
	InitConnection(ctx context.Context) (uuid.UUID, error)
	EndConnection(ctx context.Context, id uuid.UUID) error
}

// AccessReporter receives the file access report of every completed compile.
type AccessReporter interface {
	ReportAccesses(ctx context.Context, requestID uuid.UUID, records []entity.FileAccessRecord)
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Shutdowner  fx.Shutdowner
	Connections connection.Repository
	State       *serverstate.State
	Compiler    compiler.Gateway
	Extensions  extension.Cache
	Generation  generation.Cache
	FS          fs.CompilerFS
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	Stats       tally.Scope

	Reporter AccessReporter `optional:"true"`
}

type controller struct {
	connections connection.Repository
	state       *serverstate.State
	shutdowner  fx.Shutdowner
	compiler    compiler.Gateway
	extensions  extension.Cache
	generation  generation.Cache
	fs          fs.CompilerFS
	clock       clock.Clock
	reporter    AccessReporter
	logger      *zap.SugaredLogger
	stats       tally.Scope
	pid         int

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// New constructs a new top-level controller for the service.
func New(p Params) Controller {
	c := &controller{
		connections: p.Connections,
		state:       p.State,
		shutdowner:  p.Shutdowner,
		compiler:    p.Compiler,
		extensions:  p.Extensions,
		generation:  p.Generation,
		fs:          p.FS,
		clock:       p.Clock,
		reporter:    p.Reporter,
		logger:      p.Logger,
		stats:       p.Stats.SubScope("build"),
		pid:         os.Getpid(),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: c.onStop,
	})
	return c
}

// InitConnection registers a new client connection and returns its id.
func (c *controller) InitConnection(ctx context.Context) (uuid.UUID, error) {
	if err := c.state.Connect(); err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		c.state.Disconnect(nil)
		return uuid.Nil, fmt.Errorf("generating connection id: %w", err)
	}
	if err := c.connections.Set(ctx, mapper.UUIDToConnection(id, c.clock.Now())); err != nil {
		c.state.Disconnect(nil)
		return uuid.Nil, fmt.Errorf("saving connection: %w", err)
	}
	return id, nil
}

// EndConnection removes a closed connection. The last request's keep-alive decides how long the server may idle.
func (c *controller) EndConnection(ctx context.Context, id uuid.UUID) error {
	conn, err := c.connections.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}
	if err := c.connections.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	c.state.Disconnect(conn.KeepAlive)
	c.logger.Debugw("connection ended",
		zap.Stringer("uuid", id),
		zap.Int("requests", conn.RequestCount),
		zap.Duration("keepAlive", keepAliveOrDefault(conn.KeepAlive, c.state.IdleTimeout())),
		zap.Duration("duration", c.clock.Now().Sub(conn.ConnectedAt)),
	)
	return nil
}

// RequestShutdown begins a graceful shutdown of the whole server.
func (c *controller) RequestShutdown(ctx context.Context) error {
	if c.state.BeginShutdown() {
		c.logger.Infow("shutdown requested by client")
	}
	return c.shutdowner.Shutdown()
}

// Build dispatches the request on its kind. A failure of one compile never affects the server or its caches.
func (c *controller) Build(ctx context.Context, req *entity.BuildRequest) (*entity.BuildResponse, error) {
	if req == nil {
		return entity.NewRequestErrorResponse("request is required"), nil
	}
	if req.Kind == entity.RequestKindShutdown {
		return c.finish(req, entity.NewShutdownResponse(c.pid)), nil
	}
	if !c.enter() {
		return c.finish(req, entity.NewRejectedResponse(errors.ServerShuttingDownError.Error())), nil
	}
	defer c.wg.Done()

	if c.state.ShuttingDown() {
		return c.finish(req, entity.NewRejectedResponse(errors.ServerShuttingDownError.Error())), nil
	}
	c.touchConnection(ctx, req)

	if err := validate(req); err != nil {
		return c.finish(req, c.failure(req, err)), nil
	}

	sw := c.stats.Timer("compile_latency").Start()
	log := fs.NewAccessLog()
	result, err := c.compile(ctx, req, log)
	sw.Stop()

	var resp *entity.BuildResponse
	if err != nil {
		if errors.IsCancelled(err) || ctx.Err() != nil {
			c.stats.Counter("cancelled").Inc(1)
			c.logger.Infow("build abandoned, client went away", zap.Stringer("requestId", req.ID))
			return nil, &errors.CancelledError{Err: err}
		}
		resp = c.failure(req, err)
	} else {
		resp = entity.NewCompletedResponse(result.ExitCode, result.Output, result.Utf8Output)
	}

	resp.FileAccesses = log.Records()
	if c.reporter != nil {
		c.reporter.ReportAccesses(ctx, req.ID, resp.FileAccesses)
	}
	return c.finish(req, resp), nil
}

// compile runs the pipeline, turning a panic into an error so that it is reported to the client.
func (c *controller) compile(ctx context.Context, req *entity.BuildRequest, log *fs.AccessLog) (result *compiler.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("compile panicked", zap.Stringer("requestId", req.ID), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("compile panicked: %v", r)
		}
	}()

	return c.compiler.Compile(ctx, &compiler.Invocation{
		RequestID:        req.ID.String(),
		Language:         req.Language,
		Arguments:        req.Arguments,
		WorkingDirectory: req.WorkingDirectory,
		TempDirectory:    resolve(req.WorkingDirectory, req.TempDirectory),
		LibDirectory:     resolve(req.WorkingDirectory, req.LibDirectory),
		LibraryPaths:     resolveAll(req.WorkingDirectory, req.LibraryPaths),
		Extensions:       c.extensions,
		Generation:       c.generation,
		FS:               c.fs,
		AccessLog:        log,
	})
}

func (c *controller) failure(req *entity.BuildRequest, err error) *entity.BuildResponse {
	var inconsistent *extension.InconsistencyError
	var loadErr *extension.LoadError
	switch {
	case errors.As(err, &inconsistent):
		return entity.NewAnalyzerInconsistencyResponse(inconsistent.Paths())
	case errors.As(err, &loadErr):
		return entity.NewAnalyzerInconsistencyResponse([]string{loadErr.Path})
	case errors.IsNormalizedIO(err):
		return entity.NewCompletedResponse(1, err.Error()+"\n", false)
	case errors.IsBadRequest(err):
		c.logger.Infow("build refused", zap.Stringer("requestId", req.ID), zap.Error(err))
		return entity.NewRequestErrorResponse(err.Error())
	default:
		c.logger.Warnw("build failed", zap.Stringer("requestId", req.ID), zap.Error(err))
		return entity.NewRequestErrorResponse(err.Error())
	}
}

// touchConnection records the request against its connection. The last keep-alive sent on a connection wins.
func (c *controller) touchConnection(ctx context.Context, req *entity.BuildRequest) {
	conn, err := c.connections.GetFromContext(ctx)
	if err != nil {
		c.logger.Debugw("request outside of a tracked connection", zap.Error(err))
		return
	}
	conn.RequestCount++
	if req.KeepAlive != nil {
		keepAlive := *req.KeepAlive
		conn.KeepAlive = &keepAlive
	}
	if err := c.connections.Set(ctx, conn); err != nil {
		c.logger.Warnw("updating connection", zap.Error(err))
	}
}

func (c *controller) finish(req *entity.BuildRequest, resp *entity.BuildResponse) *entity.BuildResponse {
	c.stats.Tagged(map[string]string{"reason": string(resp.Reason)}).Counter("requests").Inc(1)
	c.logger.Infow("request completed",
		zap.Stringer("requestId", req.ID),
		zap.Stringer("kind", req.Kind),
		zap.String("reason", string(resp.Reason)),
		zap.Int("exitCode", resp.ExitCode),
	)
	return resp
}

// enter registers an in-flight request unless the controller is stopping.
func (c *controller) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping {
		return false
	}
	c.wg.Add(1)
	return true
}

// onStop waits for in-flight requests, bounded by ctx.
func (c *controller) onStop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight builds: %w", ctx.Err())
	}
}

// validate checks a request that may not have come through the wire codec.
func validate(req *entity.BuildRequest) error {
	if req.Kind != entity.RequestKindCompile {
		return &errors.RequestError{Message: fmt.Sprintf("unknown request kind %s", req.Kind)}
	}
	if req.WorkingDirectory == "" {
		return errors.NoWorkingDirectoryError
	}
	if !filepath.IsAbs(req.WorkingDirectory) {
		return &errors.RequestError{Message: fmt.Sprintf("working directory must be absolute: %q", req.WorkingDirectory)}
	}
	return nil
}

func resolve(workingDirectory, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workingDirectory, path)
}

func resolveAll(workingDirectory string, paths []string) []string {
	if paths == nil {
		return nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, resolve(workingDirectory, p))
	}
	return out
}

func keepAliveOrDefault(keepAlive *time.Duration, def time.Duration) time.Duration {
	if keepAlive == nil {
		return def
	}
	return *keepAlive
}
