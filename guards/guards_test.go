package guards

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/types"
)

func connWithHeaders(headers map[string]string) *types.ConnectionContext {
	return types.NewConnectionContext(context.Background(), &types.ConnectionDescriptor{
		Method: "GET",
		Path:   "/protected",
		Header: headers,
	})
}

func TestBearerTokenAccepts(t *testing.T) {
	guard := BearerToken(nil, "secret-1", "secret-2")

	ctx := connWithHeaders(map[string]string{"Authorization": "Bearer secret-2"})
	assert.NoError(t, guard(ctx))
}

func TestBearerTokenRejects(t *testing.T) {
	guard := BearerToken(nil, "secret-1")

	cases := map[string]map[string]string{
		"no header":     nil,
		"wrong scheme":  {"Authorization": "Basic secret-1"},
		"wrong token":   {"Authorization": "Bearer nope"},
		"empty token":   {"Authorization": "Bearer "},
		"token as path": {"X-Token": "secret-1"},
	}

	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			err := guard(connWithHeaders(headers))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrUnauthorized)
		})
	}
}

func TestAPIKey(t *testing.T) {
	guard := APIKey(nil, "X-API-Key", "key-1")

	assert.NoError(t, guard(connWithHeaders(map[string]string{"X-API-Key": "key-1"})))

	err := guard(connWithHeaders(map[string]string{"X-API-Key": "key-2"}))
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	err = guard(connWithHeaders(nil))
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestRequireValue(t *testing.T) {
	guard := RequireValue("role", "admin")

	ctx := connWithHeaders(nil)
	err := guard(ctx)
	assert.ErrorIs(t, err, types.ErrForbidden, "missing value is forbidden")

	ctx.SetValue("role", "viewer")
	assert.ErrorIs(t, guard(ctx), types.ErrForbidden)

	ctx.SetValue("role", "admin")
	assert.NoError(t, guard(ctx))
}
