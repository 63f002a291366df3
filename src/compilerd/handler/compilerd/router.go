package compilerd

import (
	"context"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	controller "github.com/uber/compiler-server/src/compilerd/controller/compilerd"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

type jsonRPCRouter struct {
	compilerd controller.Controller
	codec     *protocol.Codec
	uuid      uuid.UUID
	logger    *zap.SugaredLogger
	stats     tally.Scope
}

// HandleReq handles routing for a single request.
func (r *jsonRPCRouter) HandleReq(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	ctx = context.WithValue(ctx, entity.ConnectionContextKey, r.uuid)

	// Unknown methods are decoded too: the codec checks the protocol header first, so a client of another
	// version learns about the mismatch instead of receiving a bare method-not-found error.
	return r.Build(ctx, reply, req)
}

// Build decodes a request, runs it and replies with its single response. A request abandoned because the
// client went away is still replied to so that the connection's queue moves on; the write to the dead
// stream is expected to fail.
func (r *jsonRPCRouter) Build(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	r.stats.Counter("requests").Inc(1)

	request, failure := r.codec.DecodeRequest(req.Method(), req.Params())
	if failure != nil {
		r.stats.Tagged(map[string]string{"reason": string(failure.Reason)}).Counter("rejected").Inc(1)
		r.logger.Infow("request refused", zap.String("method", req.Method()), zap.String("reason", string(failure.Reason)), zap.String("error", failure.ErrorMessage))
		return reply(ctx, r.codec.EncodeResponse(failure), nil)
	}

	resp, err := r.compilerd.Build(ctx, request)
	if err != nil {
		if errors.IsCancelled(err) {
			_ = reply(ctx, nil, err)
			return nil
		}
		resp = entity.NewRequestErrorResponse(err.Error())
	}

	if err := reply(ctx, r.codec.EncodeResponse(resp), nil); err != nil {
		return err
	}

	// Reply first to ensure that a reply is sent before the controller initiates the shutdown.
	if request.Kind == entity.RequestKindShutdown {
		return r.compilerd.RequestShutdown(ctx)
	}
	return nil
}

// UUID returns the id of the connection served by this router.
func (r *jsonRPCRouter) UUID() uuid.UUID {
	return r.uuid
}
