package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/dispatchkit/dispatchkit/types"
)

const requestIDHeader = "X-Request-ID"

// Core is the transport-independent dispatcher: it runs a connection
// descriptor through the full lifecycle and returns the response. The
// fasthttp adapter and in-process callers (tests, health probes) share
// it.
type Core struct {
	engine types.LifecycleEngine
	logger types.Logger
}

func NewCore(engine types.LifecycleEngine, logger types.Logger) *Core {
	return &Core{engine: engine, logger: logger}
}

func (c *Core) Handle(conn *types.ConnectionDescriptor) *types.ResponseDescriptor {
	return c.HandleContext(context.Background(), conn)
}

func (c *Core) HandleContext(ctx context.Context, conn *types.ConnectionDescriptor) *types.ResponseDescriptor {
	reqCtx := c.newContext(ctx, conn)
	resp := c.engine.Execute(reqCtx)
	c.engine.Finalize(reqCtx)
	return resp
}

func (c *Core) newContext(ctx context.Context, conn *types.ConnectionDescriptor) *types.ConnectionContext {
	reqCtx := types.NewConnectionContext(ctx, conn)
	reqCtx.Logger = c.logger
	if id := conn.HeaderValue(requestIDHeader); id != "" {
		reqCtx.RequestID = id
	} else {
		reqCtx.RequestID = uuid.NewString()
	}
	return reqCtx
}
