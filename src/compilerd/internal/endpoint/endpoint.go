// Package endpoint derives where a server instance listens and guards that location with an exclusivity lock.
package endpoint

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configKeyEndpoint = "endpoint"
	_configKeyServer   = "server"

	_namePrefix = "compilerd-"
)

var _nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Config is the endpoint block of the service configuration.
type Config struct {
	// Directory holds the socket, lock and info files. Defaults to the system temp directory.
	Directory string `yaml:"directory"`
	// Name overrides the derived endpoint name.
	Name string `yaml:"name"`
}

type serverConfig struct {
	Version          string `yaml:"version"`
	InstallDirectory string `yaml:"installDirectory"`
}

// Identity is the set of paths that make up one server endpoint.
type Identity struct {
	Name       string
	Directory  string
	SocketPath string
	LockPath   string
	InfoPath   string
}

// Params are inbound parameters to resolve the endpoint Identity.
type Params struct {
	fx.In

	Config config.Provider
}

// New resolves the endpoint identity from configuration, deriving the name from the install directory, user and version when it is not set.
func New(p Params) (Identity, error) {
	var cfg Config
	if err := p.Config.Get(_configKeyEndpoint).Populate(&cfg); err != nil {
		return Identity{}, fmt.Errorf("getting config field %q: %w", _configKeyEndpoint, err)
	}
	var server serverConfig
	if err := p.Config.Get(_configKeyServer).Populate(&server); err != nil {
		return Identity{}, fmt.Errorf("getting config field %q: %w", _configKeyServer, err)
	}

	if cfg.Directory == "" {
		cfg.Directory = os.TempDir()
	}
	if cfg.Name == "" {
		installDir, err := InstallDirectory(p.Config)
		if err != nil {
			return Identity{}, err
		}
		cfg.Name = Name(installDir, currentUser(), server.Version)
	}
	if strings.ContainsRune(cfg.Name, filepath.Separator) {
		return Identity{}, fmt.Errorf("endpoint name %q must not contain a path separator", cfg.Name)
	}

	return Derive(cfg.Directory, cfg.Name), nil
}

// InstallDirectory returns the configured compiler install directory, defaulting to the directory of the running binary.
func InstallDirectory(cfg config.Provider) (string, error) {
	var server serverConfig
	if err := cfg.Get(_configKeyServer).Populate(&server); err != nil {
		return "", fmt.Errorf("getting config field %q: %w", _configKeyServer, err)
	}
	if server.InstallDirectory != "" {
		return server.InstallDirectory, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving install directory: %w", err)
	}
	return filepath.Dir(exe), nil
}

// Name returns the endpoint name for a compiler install. Distinct installs, users and versions never share an endpoint.
func Name(installDir, userName, version string) string {
	h := xxhash.New()
	for _, part := range []string{filepath.Clean(installDir), userName, version} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return _namePrefix + strings.ToLower(_nameEncoding.EncodeToString(sum[:]))
}

// Derive returns the identity for name inside dir.
func Derive(dir, name string) Identity {
	base := filepath.Join(dir, name)
	return Identity{
		Name:       name,
		Directory:  dir,
		SocketPath: base + ".sock",
		LockPath:   base + ".lock",
		InfoPath:   base + ".json",
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
