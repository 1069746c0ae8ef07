package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/codec"
	"github.com/dispatchkit/dispatchkit/config"
	"github.com/dispatchkit/dispatchkit/layers"
	"github.com/dispatchkit/dispatchkit/lifecycle"
	"github.com/dispatchkit/dispatchkit/matcher"
	"github.com/dispatchkit/dispatchkit/middleware"
	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()

	configManager, err := config.NewFromConfig(config.Defaults())
	require.NoError(t, err)

	middlewareManager, err := middleware.NewManager(context.Background(), configManager, nil, nil, nil)
	require.NoError(t, err)

	routeTable := matcher.NewManager(nil)
	appLayer := &types.Layer{Kind: types.LayerApplication, Name: "app"}
	appConfig, err := layers.Resolve(types.LayerChain{appLayer})
	require.NoError(t, err)

	echo := func(ctx *types.ConnectionContext) (interface{}, error) {
		return map[string]string{
			"id":      ctx.ParamString("id"),
			"request": ctx.RequestID,
		}, nil
	}

	chain := types.LayerChain{appLayer}
	effective, err := layers.Resolve(chain)
	require.NoError(t, err)
	_, err = routeTable.Register("GET", "/echo/{id:int}", echo, chain, effective)
	require.NoError(t, err)

	engine := lifecycle.NewEngine(routeTable, middlewareManager, codec.NewJSON(), appConfig, 4, nil)
	return NewCore(engine, nil)
}

func TestHandleSuccess(t *testing.T) {
	core := newTestCore(t)

	resp := core.Handle(&types.ConnectionDescriptor{Method: "GET", Path: "/echo/42"})
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.MediaType)

	var body map[string]string
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	assert.Equal(t, "42", body["id"])
	assert.NotEmpty(t, body["request"], "a request id is always assigned")
}

func TestHandleRequestIDPassthrough(t *testing.T) {
	core := newTestCore(t)

	conn := &types.ConnectionDescriptor{
		Method: "GET",
		Path:   "/echo/1",
		Header: map[string]string{"X-Request-ID": "upstream-7"},
	}
	resp := core.Handle(conn)
	require.Equal(t, 200, resp.Status)

	var body map[string]string
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	assert.Equal(t, "upstream-7", body["request"])
}

func TestHandleNotFound(t *testing.T) {
	core := newTestCore(t)

	resp := core.Handle(&types.ConnectionDescriptor{Method: "GET", Path: "/missing"})
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.Status)

	var body map[string]interface{}
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	assert.EqualValues(t, 404, body["status"])
}

func TestHandleMethodNotAllowed(t *testing.T) {
	core := newTestCore(t)

	resp := core.Handle(&types.ConnectionDescriptor{Method: "DELETE", Path: "/echo/42"})
	require.NotNil(t, resp)
	assert.Equal(t, 405, resp.Status)
	assert.Equal(t, "GET", resp.Header["Allow"])
}
