package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/dispatchkit/dispatchkit/types"
)

// errorBody is the wire shape of a default error response.
type errorBody struct {
	Status int                `json:"status"`
	Detail string             `json:"detail"`
	Extra  []types.FieldError `json:"extra,omitempty"`
}

// statusFor maps an error to its default response status. Handlers
// registered on the layer chain run first; this is the fallback for
// everything they decline.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrRouteNotFound):
		return 404
	case errors.Is(err, types.ErrMethodNotAllowed):
		return 405
	case errors.Is(err, types.ErrValidation):
		return 400
	case errors.Is(err, types.ErrUnauthorized):
		return 401
	case errors.Is(err, types.ErrForbidden):
		return 403
	case errors.Is(err, types.ErrPayloadTooLarge):
		return 413
	case errors.Is(err, context.DeadlineExceeded):
		return 408
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return 500
	}
}

// walkHandlers tries the registered exception mappings in order
// (innermost layer first) and returns the first non-nil response. Kinds
// match through errors.Is, so a handler registered for a sentinel also
// catches errors wrapping it.
func walkHandlers(ctx *types.ConnectionContext, mappings []types.ExceptionMapping, err error) *types.ResponseDescriptor {
	for _, mapping := range mappings {
		if !errors.Is(err, mapping.Kind) {
			continue
		}
		if resp := mapping.Handler(ctx, err); resp != nil {
			return resp
		}
	}
	return nil
}

// defaultErrorResponse renders the fallback error payload. Internal
// errors never leak their message to the client.
func (e *Engine) defaultErrorResponse(err error) *types.ResponseDescriptor {
	status := statusFor(err)

	body := errorBody{Status: status}
	switch {
	case status >= 500:
		body.Detail = "internal server error"
	default:
		body.Detail = err.Error()
	}

	var validationErr *types.ValidationError
	if errors.As(err, &validationErr) {
		body.Detail = "validation failed"
		body.Extra = validationErr.Fields
	}

	resp := types.NewResponse(status)
	resp.MediaType = e.codec.MediaType()

	var methodErr *types.MethodNotAllowedError
	if errors.As(err, &methodErr) {
		resp.SetHeader("Allow", strings.Join(methodErr.Allowed, ", "))
	}

	encoded, serErr := e.codec.Serialize(body, resp.MediaType)
	if serErr != nil {
		resp.Body = []byte(`{"status":500,"detail":"internal server error"}`)
		return resp
	}
	resp.Body = encoded
	return resp
}
