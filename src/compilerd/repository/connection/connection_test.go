package connection

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/factory"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConnectionRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("should Set and Get successfully", func(t *testing.T) {
		repository := New(tally.NewTestScope("testing", nil))
		keepAlive := time.Minute
		conn := &entity.Connection{UUID: factory.UUID(), ConnectedAt: time.Unix(10, 0), KeepAlive: &keepAlive, RequestCount: 2}

		require.NoError(t, repository.Set(ctx, conn))
		val, err := repository.Get(ctx, conn.UUID)
		require.NoError(t, err)
		assert.Equal(t, conn, val)
	})

	t.Run("should fail to get something that was not Set", func(t *testing.T) {
		repository := New(tally.NewTestScope("testing", nil))

		id := factory.UUID()
		_, err := repository.Get(ctx, id)
		var nf *errors.UUIDNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, id, nf.UUID)
	})

	t.Run("should reject nil", func(t *testing.T) {
		repository := New(tally.NewTestScope("testing", nil))
		assert.Error(t, repository.Set(ctx, nil))
	})

	t.Run("should get from context", func(t *testing.T) {
		repository := New(tally.NewTestScope("testing", nil))
		conn := &entity.Connection{UUID: factory.UUID()}
		require.NoError(t, repository.Set(ctx, conn))

		val, err := repository.GetFromContext(context.WithValue(ctx, entity.ConnectionContextKey, conn.UUID))
		require.NoError(t, err)
		assert.Equal(t, conn.UUID, val.UUID)

		_, err = repository.GetFromContext(ctx)
		var noConn *errors.NoConnectionFoundError
		assert.ErrorAs(t, err, &noConn)
	})

	t.Run("should count and report active connections", func(t *testing.T) {
		scope := tally.NewTestScope("testing", nil)
		repository := New(scope)
		first, second := factory.UUID(), factory.UUID()

		require.NoError(t, repository.Set(ctx, &entity.Connection{UUID: first}))
		require.NoError(t, repository.Set(ctx, &entity.Connection{UUID: second}))
		count, err := repository.ConnectionCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		require.NoError(t, repository.Delete(ctx, first))
		require.NoError(t, repository.Delete(ctx, uuid.Nil))
		count, err = repository.ConnectionCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		gauges := scope.Snapshot().Gauges()
		require.Contains(t, gauges, "testing.active_connections+")
		assert.Equal(t, float64(1), gauges["testing.active_connections+"].Value())
	})
}
