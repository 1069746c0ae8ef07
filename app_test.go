package dispatchkit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/config"
	"github.com/dispatchkit/dispatchkit/dispatch"
	"github.com/dispatchkit/dispatchkit/guards"
	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

func newTestApp(t *testing.T, mutate func(*types.ServiceConfig)) *App {
	t.Helper()

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	app, err := NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	return app
}

func get(t *testing.T, core *dispatch.Core, path string, headers map[string]string) *types.ResponseDescriptor {
	t.Helper()
	resp := core.Handle(&types.ConnectionDescriptor{Method: "GET", Path: path, Header: headers})
	require.NotNil(t, resp)
	return resp
}

func TestAppRoutesEndToEnd(t *testing.T) {
	app := newTestApp(t, nil)

	app.GET("/ping", func(ctx *types.ConnectionContext) (interface{}, error) {
		return map[string]bool{"pong": true}, nil
	})

	core, err := app.Dispatcher()
	require.NoError(t, err)

	resp := get(t, core, "/ping", nil)
	assert.Equal(t, 200, resp.Status)

	var body map[string]bool
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	assert.True(t, body["pong"])

	resp = get(t, core, "/nope", nil)
	assert.Equal(t, 404, resp.Status)
}

func TestAppCodecExposed(t *testing.T) {
	app := newTestApp(t, nil)

	require.NotNil(t, app.Codec())
	assert.Equal(t, "application/json", app.Codec().MediaType())

	type payload struct {
		Name string `json:"name" validate:"required"`
	}
	var p payload
	assert.ErrorIs(t, app.Codec().Validate([]byte(`{}`), &p), types.ErrValidation)
	require.NoError(t, app.Codec().Validate([]byte(`{"name":"ok"}`), &p))
	assert.Equal(t, "ok", p.Name)
}

func TestAppLayering(t *testing.T) {
	app := newTestApp(t, nil)
	app.WithHeader("X-Service", "orders")

	api := app.Router("/api").
		WithGuards(guards.BearerToken(nil, "token-1")).
		WithDependency("store", func(ctx *types.ConnectionContext) (interface{}, error) {
			return "store-conn", nil
		})

	users := api.Controller("/users")
	users.GET("/{id:int}", func(ctx *types.ConnectionContext) (interface{}, error) {
		store, _ := ctx.Dependency("store")
		id, _ := ctx.ParamInt("id")
		return map[string]interface{}{
			"id":    id,
			"store": store,
		}, nil
	})

	api.GET("/status", func(ctx *types.ConnectionContext) (interface{}, error) {
		return "up", nil
	}).WithoutGuards()

	core, err := app.Dispatcher()
	require.NoError(t, err)

	resp := get(t, core, "/api/users/7", nil)
	assert.Equal(t, 401, resp.Status, "router guard protects controller routes")

	auth := map[string]string{"Authorization": "Bearer token-1"}
	resp = get(t, core, "/api/users/7", auth)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "orders", resp.Header["X-Service"], "application header reaches every route")

	var body map[string]interface{}
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	assert.EqualValues(t, 7, body["id"])
	assert.Equal(t, "store-conn", body["store"])

	resp = get(t, core, "/api/status", nil)
	assert.Equal(t, 200, resp.Status, "route opted out of guards")
}

func TestAppRouteStatusOverride(t *testing.T) {
	app := newTestApp(t, nil)

	app.POST("/widgets", func(ctx *types.ConnectionContext) (interface{}, error) {
		return map[string]string{"created": "yes"}, nil
	}).WithStatus(201)

	core, err := app.Dispatcher()
	require.NoError(t, err)

	resp := core.Handle(&types.ConnectionDescriptor{Method: "POST", Path: "/widgets"})
	require.NotNil(t, resp)
	assert.Equal(t, 201, resp.Status)
}

func TestAppExceptionHandler(t *testing.T) {
	outOfStock := errors.New("out of stock")

	app := newTestApp(t, nil)
	app.WithExceptionHandler(outOfStock, func(ctx *types.ConnectionContext, err error) *types.ResponseDescriptor {
		resp := types.NewResponse(409)
		resp.Body = []byte(`{"detail":"conflict"}`)
		resp.MediaType = "application/json"
		return resp
	})

	app.GET("/order", func(ctx *types.ConnectionContext) (interface{}, error) {
		return nil, types.WrapError(outOfStock, "sku 42")
	})

	core, err := app.Dispatcher()
	require.NoError(t, err)

	resp := get(t, core, "/order", nil)
	assert.Equal(t, 409, resp.Status)
}

func TestAppBuildRejectsUnknownMiddleware(t *testing.T) {
	app := newTestApp(t, nil)

	app.GET("/x", func(ctx *types.ConnectionContext) (interface{}, error) {
		return nil, nil
	}).WithMiddlewares("never-registered")

	err := app.Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLayerInvalid)
}

func TestAppOperationalEndpoints(t *testing.T) {
	app := newTestApp(t, func(cfg *types.ServiceConfig) {
		cfg.Health.Enabled = true
		cfg.Health.Path = "/health"
	})

	core, err := app.Dispatcher()
	require.NoError(t, err)

	require.NotNil(t, app.Health())
	require.NoError(t, app.Health().Start())
	defer app.Health().Stop()

	resp := get(t, core, "/health", nil)
	assert.Equal(t, 200, resp.Status)

	resp = get(t, core, "/version", nil)
	require.Equal(t, 200, resp.Status)

	var version types.VersionInfo
	require.NoError(t, utils.Unmarshal(resp.Body, &version))
	assert.Equal(t, "0.0.0", version.Version)
}
