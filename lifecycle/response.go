package lifecycle

import (
	"github.com/dispatchkit/dispatchkit/types"
)

// resolveResponse turns whatever the handler returned into a concrete
// response descriptor and applies the layer-configured headers and
// cookies as defaults.
func (e *Engine) resolveResponse(cfg *types.EffectiveConfig, value interface{}) (*types.ResponseDescriptor, error) {
	var resp *types.ResponseDescriptor

	switch v := value.(type) {
	case nil:
		resp = types.NewResponse(cfg.Status)
	case *types.ResponseDescriptor:
		resp = v
		if resp.Status == 0 {
			resp.Status = cfg.Status
		}
	case []byte:
		resp = types.NewResponse(cfg.Status)
		resp.Body = v
		resp.MediaType = "application/octet-stream"
	case string:
		resp = types.NewResponse(cfg.Status)
		resp.Body = []byte(v)
		resp.MediaType = "text/plain; charset=utf-8"
	default:
		encoded, err := e.codec.Serialize(v, e.codec.MediaType())
		if err != nil {
			return nil, types.WrapError(err, "serialize response")
		}
		resp = types.NewResponse(cfg.Status)
		resp.Body = encoded
		resp.MediaType = e.codec.MediaType()
	}

	for name, val := range cfg.Headers {
		if _, exists := resp.Header[name]; !exists {
			resp.SetHeader(name, val)
		}
	}
	for name, val := range cfg.Cookies {
		if _, exists := resp.Cookies[name]; !exists {
			resp.SetCookie(name, val)
		}
	}

	return resp, nil
}
