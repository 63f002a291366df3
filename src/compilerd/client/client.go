// Package client talks to a running compiler server over its Unix domain socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber/compiler-server/src/compilerd/entity"
	"github.com/uber/compiler-server/src/compilerd/internal/errors"
	"github.com/uber/compiler-server/src/compilerd/internal/protocol"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
)

const (
	_defaultStartTimeout = 10 * time.Second
	_probeInterval       = 50 * time.Millisecond
)

// Client sends requests to one server connection. Requests on a client are answered in order.
type Client struct {
	conn   jsonrpc2.Conn
	codec  *protocol.Codec
	logger *zap.SugaredLogger
}

// Options customize how a Client connects.
type Options struct {
	// Start launches a server when none is listening. Nil disables launching.
	Start func() error
	// StartTimeout bounds how long Connect waits for a launched server to listen.
	StartTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Dial connects to the server listening on socketPath.
func Dial(ctx context.Context, socketPath string, codec *protocol.Codec, logger *zap.SugaredLogger) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", socketPath, err)
	}
	return newClient(nc, codec, logger), nil
}

// Connect dials the server, launching one with opts.Start when nothing is listening yet.
func Connect(ctx context.Context, socketPath string, codec *protocol.Codec, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	c, err := Dial(ctx, socketPath, codec, logger)
	if err == nil || opts.Start == nil {
		return c, err
	}

	logger.Debugw("no server listening, starting one", zap.String("socket", socketPath), zap.Error(err))
	if err := opts.Start(); err != nil {
		return nil, fmt.Errorf("starting server: %w", err)
	}

	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = _defaultStartTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(_probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for server on %q: %w", socketPath, ctx.Err())
		case <-ticker.C:
			if c, err := Dial(ctx, socketPath, codec, logger); err == nil {
				return c, nil
			}
		}
	}
}

// Probe reports whether a server accepts connections on socketPath.
func Probe(ctx context.Context, socketPath string) bool {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

func newClient(nc net.Conn, codec *protocol.Codec, logger *zap.SugaredLogger) *Client {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))
	conn.Go(context.Background(), jsonrpc2.MethodNotFoundHandler)
	return &Client{
		conn:   conn,
		codec:  codec,
		logger: logger,
	}
}

// Build sends a request and waits for its response. The request is not modified; one without an id is sent
// under a fresh one. A server that speaks another protocol or runs another
// compiler build yields a *errors.ProtocolMismatchError together with its response, and the caller is
// expected to compile in-process instead.
func (c *Client) Build(ctx context.Context, req *entity.BuildRequest) (*entity.BuildResponse, error) {
	if req == nil {
		return nil, &errors.ArgumentError{Param: "req", Message: "request is required"}
	}
	if req.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("generating request id: %w", err)
		}
		withID := *req
		withID.ID = id
		req = &withID
	}

	method, wire := c.codec.EncodeRequest(req)
	var raw json.RawMessage
	if _, err := c.conn.Call(ctx, method, wire, &raw); err != nil {
		if ctx.Err() != nil {
			return nil, &errors.CancelledError{Err: ctx.Err()}
		}
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}

	resp := c.codec.DecodeResponse(raw)
	c.logger.Debugw("response received", zap.Stringer("requestId", req.ID), zap.String("reason", string(resp.Reason)))
	switch resp.Reason {
	case entity.ReasonMismatchedVersion, entity.ReasonIncorrectHash:
		return resp, &errors.ProtocolMismatchError{Reason: string(resp.Reason)}
	}
	return resp, nil
}

// Shutdown asks the server to exit once its in-flight work completes.
func (c *Client) Shutdown(ctx context.Context) (*entity.BuildResponse, error) {
	return c.Build(ctx, &entity.BuildRequest{Kind: entity.RequestKindShutdown})
}

// Close closes the connection and waits for its reader to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.conn.Done()
	return err
}
