package generation

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
	"go.uber.org/config"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type upperGenerator struct {
	id    string
	calls atomic.Int32
}

func (g *upperGenerator) Identity() string { return g.id }

func (g *upperGenerator) Generate(ctx context.Context, in extension.GeneratorInput) ([]extension.GeneratedSource, error) {
	g.calls.Add(1)
	if strings.Contains(string(in.Content), "fail") {
		return nil, fmt.Errorf("cannot generate for %s", in.Path)
	}
	return []extension.GeneratedSource{{HintName: in.Path + ".g", Text: strings.ToUpper(string(in.Content))}}, nil
}

func newTestCache(t *testing.T, maxEntries int, leaseTimeout time.Duration) *cache {
	c, err := newCache(maxEntries, leaseTimeout, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func TestNewKey(t *testing.T) {
	shape := Shape{Language: "csharp", SourcePaths: []string{"/src/a.cs", "/src/b.cs"}, Defines: []string{"DEBUG"}}

	assert.Equal(t, NewKey([]string{"g1", "g2"}, shape), NewKey([]string{"g1", "g2"}, shape))
	assert.NotEqual(t, NewKey([]string{"g1", "g2"}, shape), NewKey([]string{"g2", "g1"}, shape), "generator order matters")
	assert.NotEqual(t, NewKey([]string{"g1"}, shape).Shape, NewKey([]string{"g1"}, Shape{Language: "vb", SourcePaths: shape.SourcePaths}).Shape)
	assert.NotEqual(t, NewKey([]string{"ab", "c"}, shape), NewKey([]string{"a", "bc"}, shape), "element boundaries are unambiguous")
	assert.Len(t, NewKey(nil, shape).String(), 33)
}

func TestDriverRunIsIncremental(t *testing.T) {
	ctx := context.Background()
	gen := &upperGenerator{id: "upper"}
	d0 := NewDriver([]extension.Generator{gen}, "csharp")

	d1, res, err := d0.Run(ctx, []Input{{Path: "a", Content: []byte("x")}, {Path: "b", Content: []byte("y")}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Regenerated)
	assert.Equal(t, 0, res.Reused)
	assert.Equal(t, []Output{
		{Generator: "upper", Source: "a", HintName: "a.g", Text: "X"},
		{Generator: "upper", Source: "b", HintName: "b.g", Text: "Y"},
	}, res.Outputs)

	// Only the changed input is regenerated; removed inputs are dropped.
	d2, res, err := d1.Run(ctx, []Input{{Path: "a", Content: []byte("x")}, {Path: "c", Content: []byte("z")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 1, res.Regenerated)
	assert.Equal(t, int32(3), gen.calls.Load())
	assert.Equal(t, 2, d2.Len())

	// Earlier drivers are unchanged by later runs.
	assert.Equal(t, 0, d0.Len())
	assert.Equal(t, 2, d1.Len())
	_, res, err = d1.Run(ctx, []Input{{Path: "b", Content: []byte("y")}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reused)
}

func TestDriverRunErrors(t *testing.T) {
	gen := &upperGenerator{id: "upper"}
	d := NewDriver([]extension.Generator{gen}, "csharp")

	t.Run("generator failure", func(t *testing.T) {
		next, _, err := d.Run(context.Background(), []Input{{Path: "a", Content: []byte("fail")}})
		assert.Error(t, err)
		assert.Nil(t, next)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := d.Run(ctx, []Input{{Path: "a", Content: []byte("x")}})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("duplicate hint names", func(t *testing.T) {
		_, _, err := d.Run(context.Background(), []Input{{Path: "a", Content: []byte("x")}, {Path: "a", Content: []byte("x")}})
		assert.ErrorContains(t, err, "produced hint name")
	})
}

type panickingGenerator struct{}

func (panickingGenerator) Identity() string { return "panics" }

func (panickingGenerator) Generate(ctx context.Context, in extension.GeneratorInput) ([]extension.GeneratedSource, error) {
	panic("generator bug")
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	gen := &upperGenerator{id: "upper"}
	key := NewKey([]string{"upper"}, Shape{Language: "csharp", SourcePaths: []string{"a"}})

	t.Run("commits successful runs", func(t *testing.T) {
		c := newTestCache(t, 10, 0)
		run, err := Generate(ctx, c, key, []extension.Generator{gen}, "csharp", []Input{{Path: "a", Content: []byte("x")}})
		require.NoError(t, err)
		assert.Equal(t, 1, run.Regenerated)

		run, err = Generate(ctx, c, key, []extension.Generator{gen}, "csharp", []Input{{Path: "a", Content: []byte("x")}})
		require.NoError(t, err)
		assert.Equal(t, 1, run.Reused)
	})

	t.Run("failed run releases the key", func(t *testing.T) {
		c := newTestCache(t, 10, 0)
		_, err := Generate(ctx, c, key, []extension.Generator{gen}, "csharp", []Input{{Path: "a", Content: []byte("fail")}})
		assert.Error(t, err)

		lease, err := c.Acquire(ctx, key)
		require.NoError(t, err)
		assert.False(t, lease.Bypass())
		assert.Nil(t, lease.Driver())
		lease.Release()
	})

	t.Run("panicking generator releases the key", func(t *testing.T) {
		// A zero lease timeout bypasses instead of waiting, so a leaked lease shows up as a bypass.
		c := newTestCache(t, 10, 0)
		assert.PanicsWithValue(t, "generator bug", func() {
			_, _ = Generate(ctx, c, key, []extension.Generator{panickingGenerator{}}, "csharp", []Input{{Path: "a", Content: []byte("x")}})
		})

		lease, err := c.Acquire(ctx, key)
		require.NoError(t, err)
		assert.False(t, lease.Bypass())
		assert.Nil(t, lease.Driver())
		lease.Release()
	})
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10, time.Second)
	key := NewKey([]string{"g"}, Shape{Language: "csharp"})

	lease, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lease.Driver())
	assert.False(t, lease.Bypass())
	assert.Equal(t, key, lease.Key())

	d := NewDriver(nil, "csharp")
	assert.True(t, lease.Commit(ctx, d))
	assert.False(t, lease.Commit(ctx, d), "a lease finishes once")

	lease, err = c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Same(t, d, lease.Driver())
	lease.Release()

	lease, err = c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Same(t, d, lease.Driver(), "release keeps the previous driver")
	lease.Release()
}

func TestLeaseIsExclusivePerKey(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10, 5*time.Second)
	key := NewKey([]string{"g"}, Shape{Language: "csharp"})
	other := NewKey([]string{"g"}, Shape{Language: "vb"})

	first, err := c.Acquire(ctx, key)
	require.NoError(t, err)

	// Distinct keys never block each other.
	unrelated, err := c.Acquire(ctx, other)
	require.NoError(t, err)
	unrelated.Release()

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := c.Acquire(ctx, key)
		assert.NoError(t, err)
		acquired <- l
	}()

	select {
	case <-acquired:
		t.Fatal("second lease granted while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	committed := NewDriver(nil, "csharp")
	first.Commit(ctx, committed)

	second := <-acquired
	assert.False(t, second.Bypass())
	assert.Same(t, committed, second.Driver())
	second.Release()
}

func TestLeaseTimeoutBypassesCache(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10, 20*time.Millisecond)
	key := NewKey([]string{"g"}, Shape{Language: "csharp"})

	held, err := c.Acquire(ctx, key)
	require.NoError(t, err)

	bypass, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, bypass.Bypass())
	assert.Nil(t, bypass.Driver())
	assert.False(t, bypass.Commit(ctx, NewDriver(nil, "csharp")), "bypass leases are never written back")

	held.Release()
	lease, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lease.Driver())
	lease.Release()
}

func TestZeroLeaseTimeoutNeverWaits(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 10, 0)
	key := NewKey(nil, Shape{})

	held, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	bypass, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, bypass.Bypass())
	bypass.Release()
	held.Release()
}

func TestCancelledCompileDoesNotCommit(t *testing.T) {
	c := newTestCache(t, 10, time.Second)
	key := NewKey([]string{"g"}, Shape{Language: "csharp"})

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	cancel()
	assert.False(t, lease.Commit(ctx, NewDriver(nil, "csharp")))

	lease, err = c.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, lease.Driver())

	// A waiter whose context ends gives up without a lease.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	_, err = c.Acquire(waitCtx, key)
	assert.True(t, errors.IsCancelled(err))
	lease.Release()
}

func TestDriverStoreIsBounded(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 2, time.Second)

	keys := []Key{
		NewKey([]string{"a"}, Shape{}),
		NewKey([]string{"b"}, Shape{}),
		NewKey([]string{"c"}, Shape{}),
	}
	for _, k := range keys {
		l, err := c.Acquire(ctx, k)
		require.NoError(t, err)
		l.Commit(ctx, NewDriver(nil, ""))
	}

	l, err := c.Acquire(ctx, keys[0])
	require.NoError(t, err)
	assert.Nil(t, l.Driver(), "least recently used entry is evicted")
	l.Release()

	l, err = c.Acquire(ctx, keys[2])
	require.NoError(t, err)
	assert.NotNil(t, l.Driver())
	l.Release()
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		timeout time.Duration
	}{
		{
			name:    "defaults",
			yaml:    "other: true",
			timeout: _defaultLeaseTimeoutSeconds * time.Second,
		},
		{
			name:    "configured",
			yaml:    "generation:\n  maxEntries: 3\n  leaseTimeoutSeconds: -1",
			timeout: -time.Second,
		},
		{
			name:    "invalid size",
			yaml:    "generation:\n  maxEntries: -4",
			wantErr: true,
		},
		{
			name:    "malformed block",
			yaml:    "generation: sample",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewYAML(config.Source(strings.NewReader(tt.yaml)))
			require.NoError(t, err)

			c, err := New(Params{Config: cfg, Stats: tally.NoopScope, Logger: zap.NewNop().Sugar()})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.timeout, c.(*cache).leaseTimeout)
		})
	}
}
