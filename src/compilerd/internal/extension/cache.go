// Package extension loads analyzer and generator extension modules and shares them across requests.
package extension

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Cache returns loaded extension modules, loading each revision of a module at most once per process.
type Cache interface {
	Load(ctx context.Context, path string) (*Extension, error)
}

// Params are inbound parameters to initialize a new Cache.
type Params struct {
	fx.In

	FS     afero.Fs
	Stats  tally.Scope
	Logger *zap.SugaredLogger
	Loader Loader `optional:"true"`
}

type cache struct {
	fs     afero.Fs
	loader Loader
	logger *zap.SugaredLogger
	stats  tally.Scope

	// entries holds *Extension values keyed by Key. Entries are never evicted.
	entries sync.Map
	flight  singleflight.Group
}

// New constructs a new extension Cache.
func New(p Params) Cache {
	loader := p.Loader
	if loader == nil {
		loader = NewLoader(p.FS)
	}
	return &cache{
		fs:     p.FS,
		loader: loader,
		logger: p.Logger,
		stats:  p.Stats.SubScope("extensions"),
	}
}

// Load returns the module at path. Readers of an already loaded key never block; concurrent
// loads of the same key share one load, and failed loads are not cached.
func (c *cache) Load(ctx context.Context, path string) (*Extension, error) {
	if !filepath.IsAbs(path) {
		return nil, &errors.ArgumentError{Param: "path", Message: "extension path must be absolute: " + path}
	}

	key, err := c.keyFor(path)
	if err != nil {
		c.stats.Counter("load_failures").Inc(1)
		return nil, err
	}

	if m, ok := c.entries.Load(key); ok {
		c.stats.Counter("hits").Inc(1)
		return m.(*Extension), nil
	}
	c.stats.Counter("misses").Inc(1)

	ch := c.flight.DoChan(key.String(), func() (interface{}, error) {
		if m, ok := c.entries.Load(key); ok {
			return m, nil
		}

		sw := c.stats.Timer("load_latency").Start()
		m, err := c.loader.Load(key)
		sw.Stop()
		if err != nil {
			c.stats.Counter("load_failures").Inc(1)
			c.logger.Warnw("extension load failed", zap.String("key", key.String()), zap.Error(err))
			return nil, err
		}

		c.entries.Store(key, m)
		c.stats.Counter("loads").Inc(1)
		c.logger.Infow("extension loaded", zap.String("key", key.String()), zap.String("name", m.Manifest.Name))
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Extension), nil
	case <-ctx.Done():
		return nil, &errors.CancelledError{Err: ctx.Err()}
	}
}

func (c *cache) keyFor(path string) (Key, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return Key{}, &LoadError{Path: path, Err: err}
	}
	if info.IsDir() {
		return Key{}, &LoadError{Path: path, Err: errors.New("extension path is a directory")}
	}
	return Key{
		Path:    filepath.Clean(path),
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}, nil
}
