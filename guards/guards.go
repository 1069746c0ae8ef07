// Package guards provides ready-made authorization guards for layer
// chains. A guard returning nil lets the request continue; returning an
// error diverts it into the exception path before any dependency is
// resolved or the handler runs.
package guards

import (
	"crypto/subtle"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// BearerToken accepts requests presenting one of the configured tokens
// as "Authorization: Bearer <token>". Comparison is constant time.
func BearerToken(logger types.Logger, tokens ...string) types.Guard {
	return func(ctx *types.ConnectionContext) error {
		header := ctx.Conn.HeaderValue(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			return types.Errorf(types.ErrUnauthorized, "missing bearer token")
		}

		presented := header[len(bearerPrefix):]
		for _, token := range tokens {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				return nil
			}
		}

		if logger != nil {
			logger.Warn("bearer token rejected",
				zap.String("path", ctx.Conn.Path),
				zap.String("remote_addr", ctx.Conn.RemoteAddr))
		}
		return types.Errorf(types.ErrUnauthorized, "invalid bearer token")
	}
}

// APIKey accepts requests carrying a known key in the given header.
func APIKey(logger types.Logger, headerName string, keys ...string) types.Guard {
	return func(ctx *types.ConnectionContext) error {
		presented := ctx.Conn.HeaderValue(headerName)
		if presented == "" {
			return types.Errorf(types.ErrUnauthorized, "missing %s header", headerName)
		}

		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
				return nil
			}
		}

		if logger != nil {
			logger.Warn("api key rejected",
				zap.String("path", ctx.Conn.Path),
				zap.String("remote_addr", ctx.Conn.RemoteAddr))
		}
		return types.Errorf(types.ErrUnauthorized, "invalid api key")
	}
}

// RequireValue authorizes requests where an earlier guard or dependency
// stored the expected value under key, typically a role or scope set by
// an authentication guard further out in the chain.
func RequireValue(key string, expected interface{}) types.Guard {
	return func(ctx *types.ConnectionContext) error {
		value, exists := ctx.Value(key)
		if !exists {
			return types.Errorf(types.ErrForbidden, "missing %q", key)
		}
		if value != expected {
			return types.Errorf(types.ErrForbidden, "%q mismatch", key)
		}
		return nil
	}
}
