// Package generation caches incremental source generator state between compiles of the same project.
package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKey = "generation"

	_defaultMaxEntries          = 10
	_defaultLeaseTimeoutSeconds = 30
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Cache hands out exclusive leases on generator driver state.
type Cache interface {
	// Acquire blocks until the key is free, the lease timeout elapses or ctx is done.
	// On timeout it returns a bypass lease whose driver is never written back.
	Acquire(ctx context.Context, key Key) (*Lease, error)
}

// Config is the generation block of the service configuration.
type Config struct {
	MaxEntries int `yaml:"maxEntries"`
	// LeaseTimeoutSeconds bounds how long a compile waits for a busy key. Negative waits without bound.
	LeaseTimeoutSeconds *int `yaml:"leaseTimeoutSeconds"`
}

// Params are inbound parameters to initialize a new Cache.
type Params struct {
	fx.In

	Config config.Provider
	Stats  tally.Scope
	Logger *zap.SugaredLogger
}

type cache struct {
	mu           sync.Mutex
	drivers      *lru.Cache[Key, *Driver]
	leases       map[Key]chan struct{}
	leaseTimeout time.Duration

	stats  tally.Scope
	logger *zap.SugaredLogger
}

// New constructs a new generation Cache.
func New(p Params) (Cache, error) {
	var cfg Config
	if err := p.Config.Get(_configKey).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKey, err)
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = _defaultMaxEntries
	}
	leaseTimeout := _defaultLeaseTimeoutSeconds
	if cfg.LeaseTimeoutSeconds != nil {
		leaseTimeout = *cfg.LeaseTimeoutSeconds
	}

	return newCache(cfg.MaxEntries, time.Duration(leaseTimeout)*time.Second, p.Stats, p.Logger)
}

func newCache(maxEntries int, leaseTimeout time.Duration, stats tally.Scope, logger *zap.SugaredLogger) (*cache, error) {
	drivers, err := lru.New[Key, *Driver](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("creating driver store: %w", err)
	}
	return &cache{
		drivers:      drivers,
		leases:       make(map[Key]chan struct{}),
		leaseTimeout: leaseTimeout,
		stats:        stats.SubScope("generation"),
		logger:       logger,
	}, nil
}

// Acquire takes the exclusive lease for key.
func (c *cache) Acquire(ctx context.Context, key Key) (*Lease, error) {
	var timeout <-chan time.Time
	switch {
	case c.leaseTimeout > 0:
		timer := time.NewTimer(c.leaseTimeout)
		defer timer.Stop()
		timeout = timer.C
	case c.leaseTimeout == 0:
		expired := make(chan time.Time)
		close(expired)
		timeout = expired
	}

	waited := false
	for {
		c.mu.Lock()
		busy, leased := c.leases[key]
		if !leased {
			c.leases[key] = make(chan struct{})
			driver, hit := c.drivers.Get(key)
			c.mu.Unlock()

			if hit {
				c.stats.Counter("hits").Inc(1)
			} else {
				c.stats.Counter("misses").Inc(1)
			}
			return &Lease{cache: c, key: key, driver: driver}, nil
		}
		c.mu.Unlock()

		if !waited {
			waited = true
			c.stats.Counter("waits").Inc(1)
		}
		select {
		case <-busy:
		case <-timeout:
			c.stats.Counter("bypasses").Inc(1)
			c.logger.Infow("generation cache key busy, bypassing", zap.Stringer("key", key))
			return &Lease{key: key, bypass: true}, nil
		case <-ctx.Done():
			return nil, &errors.CancelledError{Err: ctx.Err()}
		}
	}
}

// Lease is exclusive access to one cache key. Exactly one of Commit or Release must be called.
type Lease struct {
	cache  *cache
	key    Key
	driver *Driver
	bypass bool
	once   sync.Once
}

// Key returns the leased key.
func (l *Lease) Key() Key {
	return l.key
}

// Driver returns the cached driver, or nil when the key has no cached state.
func (l *Lease) Driver() *Driver {
	return l.driver
}

// Bypass reports whether the lease was granted without exclusivity after a timeout.
func (l *Lease) Bypass() bool {
	return l.bypass
}

// Commit stores d for the key and releases the lease. Nothing is stored for bypass leases
// or when ctx is done, so an abandoned compile never publishes partial state.
// It reports whether d was stored.
func (l *Lease) Commit(ctx context.Context, d *Driver) bool {
	return l.finish(d, ctx.Err() == nil)
}

// Release gives up the lease without storing anything.
func (l *Lease) Release() {
	l.finish(nil, false)
}

func (l *Lease) finish(d *Driver, put bool) bool {
	stored := false
	l.once.Do(func() {
		if l.bypass || l.cache == nil {
			return
		}
		c := l.cache

		c.mu.Lock()
		if put && d != nil {
			c.drivers.Add(l.key, d)
			stored = true
		}
		released := c.leases[l.key]
		delete(c.leases, l.key)
		c.mu.Unlock()

		if released != nil {
			close(released)
		}
	})
	return stored
}
