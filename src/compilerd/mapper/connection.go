package mapper

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/model"
)

// ConnectionToModel maps a Connection entity to its model equivalent.
func ConnectionToModel(c *entity.Connection) *model.Connection {
	return &model.Connection{
		UUID:         c.UUID,
		ConnectedAt:  c.ConnectedAt,
		KeepAlive:    c.KeepAlive,
		RequestCount: c.RequestCount,
	}
}

// ModelToConnection maps a model Connection to its entity equivalent.
func ModelToConnection(c *model.Connection) (*entity.Connection, error) {
	return &entity.Connection{
		UUID:         c.UUID,
		ConnectedAt:  c.ConnectedAt,
		KeepAlive:    c.KeepAlive,
		RequestCount: c.RequestCount,
	}, nil
}

// UUIDToConnection initializes a new Connection entity with the assigned uuid.
func UUIDToConnection(u uuid.UUID, connectedAt time.Time) *entity.Connection {
	return &entity.Connection{
		UUID:        u,
		ConnectedAt: connectedAt,
	}
}

// ContextToConnectionUUID extracts the connection UUID from a context.
func ContextToConnectionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.ConnectionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoConnectionFoundError{}
	}
	return s, nil
}
