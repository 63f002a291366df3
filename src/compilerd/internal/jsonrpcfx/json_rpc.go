package jsonrpcfx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/serverinfofile"
	"github.com/uber/compiler-server/src/compilerd/internal/serverstate"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	_configKeyServer = "server"

	_defaultShutdownDrainSeconds = 10

	_infoKeyEndpoint = "endpoint"
	_infoKeySocket   = "socket"
	_infoKeyPID      = "pid"
	_infoKeyVersion  = "version"
)

// ErrServerAlreadyRunning is returned from OnStart when another process holds the endpoint lock.
var ErrServerAlreadyRunning = errors.New("a server is already running for this endpoint")

// Module is an fx module to handle JSON-RPC requests.
var Module = fx.Provide(New)

// JSONRPCModule represents a module to manage JSON-RPC requests.
type JSONRPCModule interface {
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	ServeStream(ctx context.Context, conn jsonrpc2.Conn) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Router serves as the interface through which handling of requests will be implemented.
type Router interface {
	HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error
	UUID() uuid.UUID
}

// ConnectionManager will manage each active connection and its corresponding Router throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn jsonrpc2.Conn) (router Router, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
}

// ServerConfig is the part of the server block read by this module.
type ServerConfig struct {
	Version              string `yaml:"version"`
	ShutdownDrainSeconds *int   `yaml:"shutdownDrainSeconds"`
}

type module struct {
	identity     endpoint.Identity
	version      string
	drainTimeout time.Duration

	connectionMgr  ConnectionManager
	lock           *endpoint.Lock
	ln             net.Listener
	serveDone      chan struct{}
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
	state          *serverstate.State
	shutdowner     fx.Shutdowner
	stats          tally.Scope

	mu      sync.Mutex
	closing bool
	conns   map[jsonrpc2.Conn]struct{}
	wg      sync.WaitGroup
}

// Params define values to be used by JsonRpcHandler.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
	Identity       endpoint.Identity
	State          *serverstate.State
	Shutdowner     fx.Shutdowner
	Stats          tally.Scope
}

// New creates a new server to handle JSON-RPC requests on the endpoint's Unix domain socket.
func New(p Params) (JSONRPCModule, error) {
	if p.Lifecycle == nil || p.Config == nil || p.State == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := &module{
		identity:       p.Identity,
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
		state:          p.State,
		shutdowner:     p.Shutdowner,
		stats:          p.Stats.SubScope("jsonrpc"),
		conns:          make(map[jsonrpc2.Conn]struct{}),
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})

	return m, nil
}

// OnStart takes the endpoint lock, binds the socket and begins handling incoming connections.
// It returns ErrServerAlreadyRunning without binding when another server owns the endpoint.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}

	if err := m.publish(); err != nil {
		return multierr.Append(err, m.teardown())
	}

	m.serveDone = make(chan struct{})
	go m.start()
	return nil
}

// OnStop stops accepting connections, drains live ones, then gives up the endpoint.
func (m *module) OnStop(ctx context.Context) error {
	if m.ln == nil {
		return nil
	}
	m.state.BeginShutdown()

	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	err := m.ln.Close()
	<-m.serveDone

	err = multierr.Append(err, m.drain(ctx))
	err = multierr.Append(err, m.teardown())
	m.state.Stopped()
	m.logger.Infow("JSON-RPC inbound stopped", zap.String("socket", m.identity.SocketPath))
	return err
}

// ServeStream is called when a new connection is initiated. Requests received via the connection are routed to the handler
// one at a time, and answered via the connection's replier.
func (m *module) ServeStream(ctx context.Context, conn jsonrpc2.Conn) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}

	// Requests of this connection are cancelled as soon as it goes away.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler, err := m.connectionMgr.NewConnection(connCtx, conn)
	if err != nil {
		return err
	}
	m.logger.Infow("client connected", zap.Stringer("uuid", handler.UUID()))
	conn.Go(connCtx, jsonrpc2.AsyncHandler(handler.HandleReq))

	// Block until the connection is closed.
	<-conn.Done()
	cancel()

	// Cleanup after connection.
	m.connectionMgr.RemoveConnection(ctx, handler.UUID())
	m.logger.Infow("client disconnected", zap.Stringer("uuid", handler.UUID()))

	return conn.Err()
}

// RegisterConnectionManager sets the connection manager, which keeps track of current active connections and provides a Router implementation.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// setup acquires the endpoint lock and binds the socket. The lock is held before the socket is touched,
// so a losing server never disturbs the winner's socket.
func (m *module) setup() error {
	if m.identity.SocketPath == "" {
		return errors.New("setup called before endpoint is set")
	}
	if err := os.MkdirAll(m.identity.Directory, 0700); err != nil {
		return fmt.Errorf("creating endpoint directory: %w", err)
	}

	lock := endpoint.NewLock(m.identity)
	ok, err := lock.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Infow("endpoint lock held by another server", zap.String("lock", lock.Path()))
		return ErrServerAlreadyRunning
	}
	m.lock = lock

	// A socket left behind by a server that died without cleanup is stale once we hold the lock.
	if err := os.Remove(m.identity.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return multierr.Append(fmt.Errorf("removing stale socket: %w", err), m.teardown())
	}

	ln, err := net.Listen("unix", m.identity.SocketPath)
	if err != nil {
		return multierr.Append(fmt.Errorf("listening on %q: %w", m.identity.SocketPath, err), m.teardown())
	}
	m.ln = ln
	if err := os.Chmod(m.identity.SocketPath, 0600); err != nil {
		return multierr.Append(fmt.Errorf("restricting socket permissions: %w", err), m.teardown())
	}

	if err := m.state.Listening(m.identity, lock); err != nil {
		return multierr.Append(err, m.teardown())
	}
	return nil
}

func (m *module) publish() error {
	fields := []struct{ key, value string }{
		{_infoKeyEndpoint, m.identity.Name},
		{_infoKeySocket, m.identity.SocketPath},
		{_infoKeyPID, strconv.Itoa(os.Getpid())},
		{_infoKeyVersion, m.version},
	}
	for _, f := range fields {
		if err := m.serverInfoFile.UpdateField(f.key, f.value); err != nil {
			return err
		}
	}
	return nil
}

// start serves connections until the listener is closed. Failing outside of shutdown stops the application.
func (m *module) start() {
	defer close(m.serveDone)

	m.logger.Warnw("started JSON-RPC inbound", zap.String("socket", m.identity.SocketPath))
	err := m.serve(context.Background())

	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return
	}

	m.logger.Errorw("JSON-RPC inbound failed", zap.Error(err))
	if serr := m.shutdowner.Shutdown(fx.ExitCode(1)); serr != nil {
		m.logger.Errorw("requesting shutdown", zap.Error(serr))
	}
}

func (m *module) serve(ctx context.Context) error {
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			return err
		}

		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			nc.Close()
			continue
		}
		conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))
		m.conns[conn] = struct{}{}
		m.wg.Add(1)
		m.mu.Unlock()
		m.stats.Counter("connections_accepted").Inc(1)

		go func() {
			defer m.wg.Done()
			if err := m.ServeStream(ctx, conn); err != nil && !isClosedConnError(err) {
				m.logger.Debugw("connection ended", zap.Error(err))
			}
			conn.Close()

			m.mu.Lock()
			delete(m.conns, conn)
			m.mu.Unlock()
		}()
	}
}

// drain waits for live connections to finish, force-closing them once the drain timeout or ctx expires.
func (m *module) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	m.stats.Counter("connections_force_closed").Inc(int64(len(m.conns)))
	m.logger.Warnw("closing connections still open at shutdown", zap.Int("count", len(m.conns)))
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining connections: %w", ctx.Err())
	}
}

// teardown removes the socket and releases the endpoint lock.
func (m *module) teardown() error {
	var err error
	if m.ln != nil {
		if cerr := m.ln.Close(); cerr != nil && !isClosedConnError(cerr) {
			err = multierr.Append(err, cerr)
		}
	}
	if rerr := os.Remove(m.identity.SocketPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		err = multierr.Append(err, fmt.Errorf("removing socket: %w", rerr))
	}
	if m.lock != nil {
		err = multierr.Append(err, m.lock.Release())
	}
	return err
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	var server ServerConfig
	if err := cfg.Get(_configKeyServer).Populate(&server); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyServer, err)
	}

	m.version = server.Version
	drainSeconds := _defaultShutdownDrainSeconds
	if server.ShutdownDrainSeconds != nil {
		drainSeconds = *server.ShutdownDrainSeconds
	}
	if drainSeconds < 0 {
		return fmt.Errorf("config field %q must not be negative", _configKeyServer+".shutdownDrainSeconds")
	}
	m.drainTimeout = time.Duration(drainSeconds) * time.Second
	return nil
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
