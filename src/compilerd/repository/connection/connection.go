// Package connection stores the client connections currently served.
package connection

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/mapper"
	"github.com/uber/compiler-server/src/compilerd/model"
)

// Repository is an entity-scoped repository.
type Repository interface {
	Get(context.Context, uuid.UUID) (*entity.Connection, error)
	GetFromContext(ctx context.Context) (*entity.Connection, error)
	Set(context.Context, *entity.Connection) error
	Delete(ctx context.Context, id uuid.UUID) error
	ConnectionCount(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[uuid.UUID]*model.Connection
	stats    tally.Scope
}

// New returns a repository to a key-value Connection data store.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[uuid.UUID]*model.Connection),
		stats:    stats,
	}
}

// Get returns the Connection associated with the given id.
func (r *repository) Get(ctx context.Context, id uuid.UUID) (*entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.memstore[id]
	if !ok {
		return nil, &errors.UUIDNotFoundError{UUID: id}
	}
	return mapper.ModelToConnection(c)
}

// GetFromContext returns the Connection associated with the given context.
func (r *repository) GetFromContext(ctx context.Context) (*entity.Connection, error) {
	id, err := mapper.ContextToConnectionUUID(ctx)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Set stores the Connection under its uuid, replacing any previous value.
func (r *repository) Set(ctx context.Context, c *entity.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		return errors.New("can't save nil connection")
	}
	r.memstore[c.UUID] = mapper.ConnectionToModel(c)
	r.stats.Gauge("active_connections").Update(float64(len(r.memstore)))
	return nil
}

// Delete removes the Connection associated with the given id.
func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, id)
	r.stats.Gauge("active_connections").Update(float64(len(r.memstore)))
	return nil
}

// ConnectionCount returns the total count of active connections.
func (r *repository) ConnectionCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}
