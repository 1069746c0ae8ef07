package middleware

import (
	"github.com/google/uuid"

	"github.com/dispatchkit/dispatchkit/types"
)

const requestIDHeader = "X-Request-ID"

// RequestID guarantees every request carries an identifier: the inbound
// header when the client sent one, a fresh UUID otherwise. The id is
// echoed on the response.
type RequestID struct {
	config types.ConfigManager
	logger types.Logger
	name   string
	weight int
}

func NewRequestID(config types.ConfigManager, logger types.Logger) *RequestID {
	return &RequestID{
		name:   "request_id",
		weight: config.GetConfig().Middlewares.RequestID.Weight,
		config: config,
		logger: logger,
	}
}

func (r *RequestID) Name() string { return r.name }
func (r *RequestID) Weight() int  { return r.weight }

func (r *RequestID) Handle(ctx *types.ConnectionContext, next func(*types.ConnectionContext) error) error {
	if ctx.RequestID == "" {
		if id := ctx.Conn.HeaderValue(requestIDHeader); id != "" {
			ctx.RequestID = id
		} else {
			ctx.RequestID = uuid.NewString()
		}
	}

	err := next(ctx)

	if ctx.Response != nil {
		ctx.Response.SetHeader(requestIDHeader, ctx.RequestID)
	}
	return err
}
