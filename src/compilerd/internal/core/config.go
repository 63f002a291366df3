package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configDirEnv     = "COMPILERD_CONFIG_DIR"
	_defaultConfigDir = "src/compilerd/config"
)

// ConfigModule provides the merged YAML configuration.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config is a named configuration provider.
type Config struct {
	provider uber_config.Provider
}

// Get returns the value at the given dotted path.
func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

// Name implements config.Provider.
func (c Config) Name() string {
	return "config"
}

// NewConfig loads the configuration from the resolved configuration directory.
func NewConfig() (uber_config.Provider, error) {
	return NewConfigFromDir(getConfigDir())
}

// NewConfigFromDir loads meta.yaml from dir and merges the files it lists, in order, with environment expansion.
// Files named in meta.yaml that do not exist are skipped.
func NewConfigFromDir(configDir string) (uber_config.Provider, error) {
	metaPath := filepath.Join(configDir, "meta.yaml")
	metaProvider, err := uber_config.NewYAML(
		uber_config.File(metaPath),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uber_config.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uber_config.File(fullPath))
		}
	}

	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

// getConfigDir returns the path to the configuration directory.
func getConfigDir() string {
	if configDir := os.Getenv(_configDirEnv); configDir != "" {
		return configDir
	}

	// An installed binary ships its configuration next to it.
	if exe, err := os.Executable(); err == nil {
		installed := filepath.Join(filepath.Dir(exe), "config")
		if _, err := os.Stat(filepath.Join(installed, "meta.yaml")); err == nil {
			return installed
		}
	}

	// Otherwise assume the binary is run from the repository root.
	return _defaultConfigDir
}
