// Package compilerd implements the compiler server's JSON-RPC handlers.
package compilerd

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	controller "github.com/uber/compiler-server/src/compilerd/controller/compilerd"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/jsonrpcfx"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Handler accepts client connections and hands each one a router.
type Handler = jsonrpcfx.ConnectionManager

// Params are inbound parameters to initialize a new Handler.
type Params struct {
	fx.In

	Controller controller.Controller
	JSONRPC    jsonrpcfx.JSONRPCModule
	Codec      *protocol.Codec
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type jsonRPCConnectionManager struct {
	ctrl   controller.Controller
	codec  *protocol.Codec
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// New constructs a new compiler server Handler and registers it with the JSON-RPC module.
func New(p Params) (Handler, error) {
	c := &jsonRPCConnectionManager{
		ctrl:   p.Controller,
		codec:  p.Codec,
		logger: p.Logger,
		stats:  p.Stats.SubScope("json_rpc"),
	}
	if err := p.JSONRPC.RegisterConnectionManager(c); err != nil {
		return nil, fmt.Errorf("registering connection manager: %w", err)
	}
	return c, nil
}

// NewConnection will store a new connection and return a router that includes its UUID.
func (c *jsonRPCConnectionManager) NewConnection(ctx context.Context, conn jsonrpc2.Conn) (router jsonrpcfx.Router, err error) {
	id, err := c.ctrl.InitConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	return &jsonRPCRouter{
		compilerd: c.ctrl,
		codec:     c.codec,
		uuid:      id,
		logger:    c.logger,
		stats:     c.stats,
	}, nil
}

// RemoveConnection cleans up a closed connection.
func (c *jsonRPCConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	ctx = context.WithValue(ctx, entity.ConnectionContextKey, id)
	if err := c.ctrl.EndConnection(ctx, id); err != nil {
		if missing, ok := errors.NotFoundUUID(err); ok {
			c.logger.Debugw("connection already ended", zap.Stringer("uuid", missing))
			return
		}
		c.logger.Warnw("ending connection", zap.Stringer("uuid", id), zap.Error(err))
	}
}
