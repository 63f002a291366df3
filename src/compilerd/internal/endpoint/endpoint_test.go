package endpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
)

func TestName(t *testing.T) {
	name := Name("/opt/compiler", "alice", "1.0.0")
	assert.True(t, strings.HasPrefix(name, "compilerd-"))
	assert.Equal(t, name, Name("/opt/compiler/", "alice", "1.0.0"), "install directory is cleaned")
	assert.Equal(t, strings.ToLower(name), name)

	assert.NotEqual(t, name, Name("/opt/other", "alice", "1.0.0"))
	assert.NotEqual(t, name, Name("/opt/compiler", "bob", "1.0.0"))
	assert.NotEqual(t, name, Name("/opt/compiler", "alice", "1.0.1"))
	assert.NotEqual(t, Name("ab", "c", ""), Name("a", "bc", ""))
}

func TestDerive(t *testing.T) {
	id := Derive("/run/user/1", "compilerd-x")
	assert.Equal(t, Identity{
		Name:       "compilerd-x",
		Directory:  "/run/user/1",
		SocketPath: "/run/user/1/compilerd-x.sock",
		LockPath:   "/run/user/1/compilerd-x.lock",
		InfoPath:   "/run/user/1/compilerd-x.json",
	}, id)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantErr  bool
		wantName string
		wantDir  string
	}{
		{
			name:     "explicit name",
			yaml:     "endpoint:\n  directory: /var/run/c\n  name: fixed",
			wantName: "fixed",
			wantDir:  "/var/run/c",
		},
		{
			name:     "derived name",
			yaml:     "endpoint:\n  directory: /var/run/c\nserver:\n  version: 2.0.0\n  installDirectory: /opt/c",
			wantName: Name("/opt/c", currentUser(), "2.0.0"),
			wantDir:  "/var/run/c",
		},
		{
			name:    "name with separator",
			yaml:    "endpoint:\n  name: a/b",
			wantErr: true,
		},
		{
			name:    "malformed endpoint block",
			yaml:    "endpoint: sample",
			wantErr: true,
		},
		{
			name:    "malformed server block",
			yaml:    "server: sample",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewYAML(config.Source(strings.NewReader(tt.yaml)))
			require.NoError(t, err)

			id, err := New(Params{Config: cfg})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, id.Name)
			assert.Equal(t, tt.wantDir, id.Directory)
			assert.Equal(t, filepath.Join(tt.wantDir, tt.wantName+".sock"), id.SocketPath)
		})
	}
}

func TestInstallDirectory(t *testing.T) {
	cfg, err := config.NewYAML(config.Source(strings.NewReader("server:\n  installDirectory: /opt/c")))
	require.NoError(t, err)
	dir, err := InstallDirectory(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/opt/c", dir)

	cfg, err = config.NewYAML(config.Source(strings.NewReader("server:\n  version: 1.0.0")))
	require.NoError(t, err)
	dir, err = InstallDirectory(cfg)
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(exe), dir)
}

func TestNewDefaultsDirectory(t *testing.T) {
	cfg, err := config.NewYAML(config.Source(strings.NewReader("endpoint:\n  name: n")))
	require.NoError(t, err)

	id, err := New(Params{Config: cfg})
	require.NoError(t, err)
	assert.NotEmpty(t, id.Directory)
}

func TestLock(t *testing.T) {
	id := Derive(t.TempDir(), "compilerd-test")

	first := NewLock(id)
	second := NewLock(id)
	assert.Equal(t, id.LockPath, first.Path())

	ok, err := first.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.Held())

	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "a second holder is refused")
	assert.False(t, second.Held())

	require.NoError(t, first.Release())
	assert.False(t, first.Held())
	require.NoError(t, first.Release(), "releasing twice is harmless")

	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Release())
}

func TestLockMissingDirectory(t *testing.T) {
	l := NewLock(Derive(filepath.Join(t.TempDir(), "missing"), "x"))
	ok, err := l.TryAcquire()
	assert.Error(t, err)
	assert.False(t, ok)
}
