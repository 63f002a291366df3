package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/compiler-server/src/compilerd/client"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/factory"
	"github.com/uber/compiler-server/src/compilerd/gateway/compiler"
	"github.com/uber/compiler-server/src/compilerd/internal/endpoint"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupConfig(t *testing.T) {
	configDir := t.TempDir()
	endpointDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "meta.yaml"), []byte("files:\n  - base.yaml\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "base.yaml"), []byte(`
logging:
  level: error
  encoding: console
server:
  version: "test"
  compilerHash: "abc"
  idleTimeoutSeconds: 600
  shutdownDrainSeconds: 5
endpoint:
  directory: `+endpointDir+`
  name: compilerd-test
generation:
  maxEntries: 2
`), 0o644))
	t.Setenv("COMPILERD_CONFIG_DIR", configDir)
}

func TestServeBuildShutdown(t *testing.T) {
	setupConfig(t)
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.cs"), []byte("class A {}"), 0o644))

	var (
		identity endpoint.Identity
		codec    *protocol.Codec
	)
	app := fxtest.New(t, Module, fx.Populate(&identity, &codec))
	app.RequireStart()

	info, err := os.ReadFile(identity.InfoPath)
	require.NoError(t, err)
	var published map[string]string
	require.NoError(t, json.Unmarshal(info, &published))
	assert.Equal(t, identity.SocketPath, published["socket"])

	ctx := context.Background()
	c, err := client.Dial(ctx, identity.SocketPath, codec, zap.NewNop().Sugar())
	require.NoError(t, err)

	t.Run("compile", func(t *testing.T) {
		req := factory.BuildRequest(work, "/nologo", "a.cs")
		resp, err := c.Build(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, entity.ReasonCompleted, resp.Reason)
		assert.Equal(t, 0, resp.ExitCode, resp.Output)
		assert.FileExists(t, filepath.Join(work, "a.exe"))
	})

	t.Run("compile errors", func(t *testing.T) {
		resp, err := c.Build(ctx, factory.BuildRequest(work, "/nologo", "missing.cs"))
		require.NoError(t, err)
		assert.Equal(t, entity.ReasonCompleted, resp.Reason)
		assert.Equal(t, 1, resp.ExitCode)
		assert.Contains(t, resp.Output, "error CS2001")
	})

	t.Run("other compiler build", func(t *testing.T) {
		other, err := client.Dial(ctx, identity.SocketPath, protocol.NewCodec("def"), zap.NewNop().Sugar())
		require.NoError(t, err)
		defer other.Close()

		resp, err := other.Build(ctx, factory.BuildRequest(work, "a.cs"))
		assert.True(t, errors.IsProtocolMismatch(err))
		assert.Equal(t, entity.ReasonIncorrectHash, resp.Reason)
	})

	resp, err := c.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonShutdown, resp.Reason)
	assert.Equal(t, os.Getpid(), resp.ServerProcessID)

	resp, err = c.Build(ctx, factory.BuildRequest(work, "/nologo", "a.cs"))
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonRejected, resp.Reason)

	require.NoError(t, c.Close())
	app.RequireStop()

	assert.NoFileExists(t, identity.SocketPath)
	assert.NoFileExists(t, identity.InfoPath)
}

// hangingGateway blocks compiles of hang.cs until their request is cancelled.
type hangingGateway struct {
	compiler.Gateway
	entered  chan struct{}
	released chan error
}

func (g *hangingGateway) Compile(ctx context.Context, inv *compiler.Invocation) (*compiler.Result, error) {
	for _, arg := range inv.Arguments {
		if arg == "hang.cs" {
			close(g.entered)
			<-ctx.Done()
			g.released <- ctx.Err()
			return nil, ctx.Err()
		}
	}
	return g.Gateway.Compile(ctx, inv)
}

func TestDisconnectMidCompile(t *testing.T) {
	setupConfig(t)
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.cs"), []byte("class A {}"), 0o644))

	gw := &hangingGateway{entered: make(chan struct{}), released: make(chan error, 1)}
	var (
		identity endpoint.Identity
		codec    *protocol.Codec
	)
	app := fxtest.New(t, Module,
		fx.Populate(&identity, &codec),
		fx.Decorate(func(inner compiler.Gateway) compiler.Gateway {
			gw.Gateway = inner
			return gw
		}),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	abandoned, err := client.Dial(ctx, identity.SocketPath, codec, zap.NewNop().Sugar())
	require.NoError(t, err)

	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := abandoned.Build(callCtx, factory.BuildRequest(work, "hang.cs"))
		done <- err
	}()

	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("compile never started")
	}
	cancel()
	assert.True(t, errors.IsCancelled(<-done))
	require.NoError(t, abandoned.Close())

	select {
	case err := <-gw.released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("compile was not cancelled when its client disconnected")
	}

	other, err := client.Dial(ctx, identity.SocketPath, codec, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer other.Close()

	resp, err := other.Build(ctx, factory.BuildRequest(work, "/nologo", "a.cs"))
	require.NoError(t, err)
	assert.Equal(t, entity.ReasonCompleted, resp.Reason)
	assert.Equal(t, 0, resp.ExitCode, resp.Output)
}
