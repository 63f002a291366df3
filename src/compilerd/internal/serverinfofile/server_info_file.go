package serverinfofile

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/spf13/afero"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const _configKeyInfoFile = "serverInfoFilePath"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile is an interface to manage contents of a single server info file.
// It stores endpoint details for reference by clients and tooling, and is removed when the server stops.
type ServerInfoFile interface {
	UpdateField(key string, value string) error
	Path() string
}

type module struct {
	infofile     string
	fs           afero.Fs
	logger       *zap.SugaredLogger
	fileContents map[string]string
	mu           sync.Mutex
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
	FS        afero.Fs
	Identity  endpoint.Identity
}

// New creates a new ServerInfoFile which manages contents of a single server info file.
func New(p Params) (ServerInfoFile, error) {
	m := module{
		fs:           p.FS,
		logger:       p.Logger,
		fileContents: make(map[string]string),
	}

	if err := m.processConfig(p.Config, p.Identity); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: m.OnStop,
	})

	return &m, nil
}

func (m *module) OnStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fileContents) == 0 {
		// Nothing was published, so any file at the path belongs to another server.
		return nil
	}
	if err := m.fs.Remove(m.infofile); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing info file: %w", err)
	}
	return nil
}

func (m *module) UpdateField(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileContents[key] = value
	jsonOutput, err := json.Marshal(m.fileContents)
	if err != nil {
		return fmt.Errorf("marshalling json: %w", err)
	}

	if err := afero.WriteFile(m.fs, m.infofile, jsonOutput, 0600); err != nil {
		return fmt.Errorf("creating info file: %w", err)
	}
	m.logger.Infow("server info saved", zap.String("file", m.infofile), zap.String(key, value))
	return nil
}

func (m *module) Path() string {
	return m.infofile
}

func (m *module) processConfig(cfg config.Provider, id endpoint.Identity) error {
	val := cfg.Get(_configKeyInfoFile)
	if err := val.Populate(&m.infofile); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}

	if m.infofile == "" {
		m.infofile = id.InfoPath
	}
	if m.infofile == "" {
		return fmt.Errorf("missing field %q in config", _configKeyInfoFile)
	}

	return nil
}
