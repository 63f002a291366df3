// Package serverstate owns the process-wide lifecycle of the server: its phase, active connections and idle timer.
package serverstate

import (
	"fmt"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/clock"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyIdleTimeout = "server.idleTimeoutSeconds"

	_defaultIdleTimeoutSeconds = 600
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Params are inbound parameters to initialize a new State.
type Params struct {
	fx.In

	Config     config.Provider
	Clock      clock.Clock
	Shutdowner fx.Shutdowner
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

// State is the single owner of server lifecycle data. All mutation goes through its transition methods.
type State struct {
	mu sync.Mutex

	clock       clock.Clock
	idleTimeout time.Duration
	onIdle      func()
	logger      *zap.SugaredLogger
	stats       tally.Scope

	phase    entity.ServerPhase
	active   int
	lastIdle time.Time
	identity endpoint.Identity
	lock     *endpoint.Lock

	timer clock.Timer
	// generation invalidates timers that fire after they were superseded.
	generation uint64
}

// New creates the server State. Idle expiry asks the Fx application to shut down.
func New(p Params) (*State, error) {
	idleTimeoutSeconds := _defaultIdleTimeoutSeconds
	val := p.Config.Get(_configKeyIdleTimeout)
	if val.HasValue() {
		if err := val.Populate(&idleTimeoutSeconds); err != nil {
			return nil, fmt.Errorf("getting config field %q: %w", _configKeyIdleTimeout, err)
		}
	}

	logger := p.Logger
	onIdle := func() {
		if err := p.Shutdowner.Shutdown(); err != nil {
			logger.Errorw("requesting idle shutdown", zap.Error(err))
		}
	}
	return NewState(time.Duration(idleTimeoutSeconds)*time.Second, p.Clock, onIdle, p.Logger, p.Stats), nil
}

// NewState creates a State in the Starting phase. onIdle is called once when the idle timer expires with no connections.
func NewState(idleTimeout time.Duration, clk clock.Clock, onIdle func(), logger *zap.SugaredLogger, stats tally.Scope) *State {
	return &State{
		clock:       clk,
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		logger:      logger,
		stats:       stats.SubScope("server"),
		phase:       entity.PhaseStarting,
	}
}

// IdleTimeout returns the keep-alive used when a connection does not provide one.
func (s *State) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// Listening records the bound endpoint and the held lock. With no connections yet the server starts idle.
func (s *State) Listening(id endpoint.Identity, lock *endpoint.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != entity.PhaseStarting {
		return fmt.Errorf("cannot start listening in phase %s", s.phase)
	}
	s.identity = id
	s.lock = lock
	s.enterIdle(nil)
	return nil
}

// Connect registers a new connection and cancels any pending idle timer.
func (s *State) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case entity.PhaseShuttingDown, entity.PhaseStopped:
		return errors.ServerShuttingDownError
	}

	s.active++
	s.stopTimer()
	s.phase = entity.PhaseListening
	s.stats.Gauge("connections").Update(float64(s.active))
	return nil
}

// Disconnect unregisters a connection. When the last one goes away the idle timer starts with keepAlive,
// or the default timeout when keepAlive is nil. A negative keep-alive disables idle shutdown.
func (s *State) Disconnect(keepAlive *time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	s.stats.Gauge("connections").Update(float64(s.active))
	if s.active == 0 && s.phase == entity.PhaseListening {
		s.enterIdle(keepAlive)
	}
}

// BeginShutdown moves the server to ShuttingDown. It reports false when shutdown had already begun.
func (s *State) BeginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case entity.PhaseShuttingDown, entity.PhaseStopped:
		return false
	}
	s.stopTimer()
	s.phase = entity.PhaseShuttingDown
	return true
}

// Stopped is the terminal transition, taken once the endpoint is closed and the lock released.
func (s *State) Stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopTimer()
	s.phase = entity.PhaseStopped
}

// ShuttingDown reports whether the server no longer accepts work.
func (s *State) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase == entity.PhaseShuttingDown || s.phase == entity.PhaseStopped
}

// Phase returns the current phase.
func (s *State) Phase() entity.ServerPhase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

// Snapshot returns a point in time view of the state.
func (s *State) Snapshot() entity.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return entity.ServerState{
		Phase:             s.phase,
		ActiveConnections: s.active,
		LastIdle:          s.lastIdle,
		EndpointName:      s.identity.Name,
		LockHeld:          s.lock != nil && s.lock.Held(),
	}
}

// enterIdle must be called with mu held.
func (s *State) enterIdle(keepAlive *time.Duration) {
	s.phase = entity.PhaseIdle
	s.lastIdle = s.clock.Now()

	timeout := s.idleTimeout
	if keepAlive != nil {
		timeout = *keepAlive
	}

	s.stopTimer()
	if timeout < 0 {
		s.logger.Infow("idle shutdown disabled", zap.Duration("keepAlive", timeout))
		return
	}

	generation := s.generation
	s.timer = s.clock.AfterFunc(timeout, func() { s.expire(generation) })
	s.logger.Debugw("idle timer started", zap.Duration("timeout", timeout))
}

// stopTimer must be called with mu held.
func (s *State) stopTimer() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *State) expire(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.active > 0 || s.phase != entity.PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.phase = entity.PhaseShuttingDown
	idleFor := s.clock.Now().Sub(s.lastIdle)
	s.mu.Unlock()

	s.stats.Counter("idle_shutdowns").Inc(1)
	s.logger.Infow("idle timeout expired, shutting down", zap.Duration("idle", idleFor))
	s.onIdle()
}
