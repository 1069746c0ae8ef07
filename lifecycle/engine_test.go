package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/codec"
	"github.com/dispatchkit/dispatchkit/config"
	"github.com/dispatchkit/dispatchkit/layers"
	"github.com/dispatchkit/dispatchkit/matcher"
	"github.com/dispatchkit/dispatchkit/middleware"
	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

type testRoute struct {
	method   string
	template string
	handler  types.Handler
	chain    types.LayerChain
}

func newTestEngine(t *testing.T, appLayer *types.Layer, routes ...testRoute) *Engine {
	t.Helper()

	configManager, err := config.NewFromConfig(config.Defaults())
	require.NoError(t, err)

	middlewareManager, err := middleware.NewManager(context.Background(), configManager, nil, nil, nil)
	require.NoError(t, err)

	routeTable := matcher.NewManager(nil)

	if appLayer == nil {
		appLayer = &types.Layer{Kind: types.LayerApplication, Name: "app"}
	}

	appConfig, err := layers.Resolve(types.LayerChain{appLayer})
	require.NoError(t, err)

	for _, r := range routes {
		chain := append(types.LayerChain{appLayer}, r.chain...)
		effective, err := layers.Resolve(chain)
		require.NoError(t, err)
		_, err = routeTable.Register(r.method, r.template, r.handler, chain, effective)
		require.NoError(t, err)
	}

	return NewEngine(routeTable, middlewareManager, codec.NewJSON(), appConfig, 4, nil)
}

func execute(engine *Engine, method, path string) (*types.ConnectionContext, *types.ResponseDescriptor) {
	return executeCtx(context.Background(), engine, method, path)
}

func executeCtx(ctx context.Context, engine *Engine, method, path string) (*types.ConnectionContext, *types.ResponseDescriptor) {
	conn := &types.ConnectionDescriptor{Method: method, Path: path}
	reqCtx := types.NewConnectionContext(ctx, conn)
	reqCtx.RequestID = "test"
	resp := engine.Execute(reqCtx)
	return reqCtx, resp
}

func decodeBody(t *testing.T, resp *types.ResponseDescriptor) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, utils.Unmarshal(resp.Body, &body))
	return body
}

func TestExecuteSerializesHandlerValue(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/greeting/{name}",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return map[string]string{"hello": ctx.ParamString("name")}, nil
		},
	})

	reqCtx, resp := execute(engine, "GET", "/greeting/world")
	require.NotNil(t, resp)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.MediaType)
	assert.Equal(t, "world", decodeBody(t, resp)["hello"])
	assert.Equal(t, types.StageResponseResolved, reqCtx.Stage())
}

func TestExecuteValueShapes(t *testing.T) {
	status := 201
	engine := newTestEngine(t, nil,
		testRoute{
			method:   "GET",
			template: "/text",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return "plain text", nil
			},
		},
		testRoute{
			method:   "GET",
			template: "/bytes",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return []byte{0x01, 0x02}, nil
			},
		},
		testRoute{
			method:   "GET",
			template: "/created",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return nil, nil
			},
			chain: types.LayerChain{{Kind: types.LayerHandler, Status: &status}},
		},
		testRoute{
			method:   "GET",
			template: "/descriptor",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				resp := types.NewResponse(418)
				resp.Body = []byte("teapot")
				return resp, nil
			},
		},
	)

	_, resp := execute(engine, "GET", "/text")
	assert.Equal(t, "text/plain; charset=utf-8", resp.MediaType)
	assert.Equal(t, "plain text", string(resp.Body))

	_, resp = execute(engine, "GET", "/bytes")
	assert.Equal(t, "application/octet-stream", resp.MediaType)

	_, resp = execute(engine, "GET", "/created")
	assert.Equal(t, 201, resp.Status, "layer status override applies")

	_, resp = execute(engine, "GET", "/descriptor")
	assert.Equal(t, 418, resp.Status, "explicit descriptor wins over layer status")
}

func TestGuardRejectionShortCircuits(t *testing.T) {
	var handlerRan bool
	var secondGuardRan bool

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/secret",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			handlerRan = true
			return nil, nil
		},
		chain: types.LayerChain{{
			Kind: types.LayerHandler,
			Guards: []types.Guard{
				func(ctx *types.ConnectionContext) error {
					return types.Errorf(types.ErrForbidden, "nope")
				},
				func(ctx *types.ConnectionContext) error {
					secondGuardRan = true
					return nil
				},
			},
		}},
	})

	reqCtx, resp := execute(engine, "GET", "/secret")
	assert.Equal(t, 403, resp.Status)
	assert.False(t, handlerRan)
	assert.False(t, secondGuardRan, "first failing guard stops the walk")
	assert.Equal(t, types.StageException, reqCtx.Stage())
}

func TestSkipGuardsOptOut(t *testing.T) {
	skip := true
	engine := newTestEngine(t,
		&types.Layer{
			Kind: types.LayerApplication,
			Guards: []types.Guard{func(ctx *types.ConnectionContext) error {
				return types.Errorf(types.ErrUnauthorized, "always")
			}},
		},
		testRoute{
			method:   "GET",
			template: "/open",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return "ok", nil
			},
			chain: types.LayerChain{{Kind: types.LayerHandler, SkipGuards: &skip}},
		},
		testRoute{
			method:   "GET",
			template: "/closed",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return "ok", nil
			},
		},
	)

	_, resp := execute(engine, "GET", "/open")
	assert.Equal(t, 200, resp.Status)

	_, resp = execute(engine, "GET", "/closed")
	assert.Equal(t, 401, resp.Status)
}

func TestDependencyResolution(t *testing.T) {
	var dbCalls int32

	chain := types.LayerChain{{
		Kind: types.LayerHandler,
		Dependencies: map[string]*types.Dependency{
			"db": {
				Name: "db",
				Provide: func(ctx *types.ConnectionContext) (interface{}, error) {
					atomic.AddInt32(&dbCalls, 1)
					return "db-conn", nil
				},
			},
			"repo": {
				Name:     "repo",
				Requires: []string{"db"},
				Provide: func(ctx *types.ConnectionContext) (interface{}, error) {
					db, ok := ctx.Dependency("db")
					if !ok {
						return nil, errors.New("db not resolved first")
					}
					return db.(string) + "/repo", nil
				},
			},
			"audit": {
				Name:     "audit",
				Requires: []string{"db"},
				Provide: func(ctx *types.ConnectionContext) (interface{}, error) {
					return "audit", nil
				},
			},
		},
	}}

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/items",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			repo, _ := ctx.Dependency("repo")
			return map[string]interface{}{"repo": repo}, nil
		},
		chain: chain,
	})

	_, resp := execute(engine, "GET", "/items")
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "db-conn/repo", decodeBody(t, resp)["repo"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&dbCalls), "shared requirement resolved once")
}

func TestDependencyFailureAbortsRequest(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/broken",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			t.Fatal("handler must not run")
			return nil, nil
		},
		chain: types.LayerChain{{
			Kind: types.LayerHandler,
			Dependencies: map[string]*types.Dependency{
				"db": {
					Name: "db",
					Provide: func(ctx *types.ConnectionContext) (interface{}, error) {
						return nil, errors.New("connect refused")
					},
				},
			},
		}},
	})

	_, resp := execute(engine, "GET", "/broken")
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, "internal server error", decodeBody(t, resp)["detail"], "internal detail is not leaked")
}

func TestCleanupsRunLIFO(t *testing.T) {
	var order []string

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/tx",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			ctx.PushCleanup(func() error { order = append(order, "first"); return nil })
			ctx.PushCleanup(func() error { order = append(order, "second"); return nil })
			ctx.PushCleanup(func() error { order = append(order, "third"); return nil })
			return nil, nil
		},
	})

	reqCtx, resp := execute(engine, "GET", "/tx")
	require.Equal(t, 200, resp.Status)
	assert.Empty(t, order, "cleanups wait for finalization")

	engine.Finalize(reqCtx)
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.True(t, reqCtx.WasSent())
	assert.Equal(t, types.StageTerminal, reqCtx.Stage())
}

func TestCleanupsRunOnFailure(t *testing.T) {
	var cleaned bool

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/fail",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			ctx.PushCleanup(func() error { cleaned = true; return nil })
			return nil, errors.New("boom")
		},
	})

	reqCtx, resp := execute(engine, "GET", "/fail")
	assert.Equal(t, 500, resp.Status)

	engine.Finalize(reqCtx)
	assert.True(t, cleaned)
}

func TestExceptionHandlerInnermostWins(t *testing.T) {
	domainErr := errors.New("out of stock")

	respond := func(status int, tag string) types.ExceptionHandler {
		return func(ctx *types.ConnectionContext, err error) *types.ResponseDescriptor {
			resp := types.NewResponse(status)
			resp.SetHeader("X-Handled-By", tag)
			return resp
		}
	}

	engine := newTestEngine(t,
		&types.Layer{
			Kind: types.LayerApplication,
			ExceptionHandlers: []types.ExceptionMapping{
				{Kind: domainErr, Handler: respond(500, "app")},
			},
		},
		testRoute{
			method:   "GET",
			template: "/order",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				return nil, types.WrapError(domainErr, "placing order")
			},
			chain: types.LayerChain{{
				Kind: types.LayerHandler,
				ExceptionHandlers: []types.ExceptionMapping{
					{Kind: domainErr, Handler: respond(409, "route")},
				},
			}},
		},
	)

	_, resp := execute(engine, "GET", "/order")
	assert.Equal(t, 409, resp.Status)
	assert.Equal(t, "route", resp.Header["X-Handled-By"], "wrapped error still matches via errors.Is")
}

func TestPanicBecomesInternalError(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/panic",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			panic("unexpected")
		},
	})

	reqCtx, resp := execute(engine, "GET", "/panic")
	require.NotNil(t, resp)
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, "internal server error", decodeBody(t, resp)["detail"])
	assert.Equal(t, types.StageException, reqCtx.Stage())
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/things/{id:int}",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return nil, nil
		},
	})

	_, resp := execute(engine, "GET", "/nothing")
	assert.Equal(t, 404, resp.Status)

	_, resp = execute(engine, "POST", "/things/7")
	assert.Equal(t, 405, resp.Status)
	assert.Equal(t, "GET", resp.Header["Allow"])
}

func TestNotFoundUsesApplicationHandlers(t *testing.T) {
	engine := newTestEngine(t, &types.Layer{
		Kind: types.LayerApplication,
		ExceptionHandlers: []types.ExceptionMapping{
			{
				Kind: types.ErrRouteNotFound,
				Handler: func(ctx *types.ConnectionContext, err error) *types.ResponseDescriptor {
					resp := types.NewResponse(404)
					resp.Body = []byte("custom miss page")
					return resp
				},
			},
		},
	})

	_, resp := execute(engine, "GET", "/missing")
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "custom miss page", string(resp.Body))
}

func TestValidationFailureReportsAllFields(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/span/{from:int}/{to:int}",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return nil, nil
		},
	})

	_, resp := execute(engine, "GET", "/span/abc/def")
	assert.Equal(t, 400, resp.Status)

	body := decodeBody(t, resp)
	assert.Equal(t, "validation failed", body["detail"])
	assert.Len(t, body["extra"], 2)
}

func TestBodyLimitExceeded(t *testing.T) {
	limit := int64(16)
	engine := newTestEngine(t, nil, testRoute{
		method:   "POST",
		template: "/upload",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return nil, nil
		},
		chain: types.LayerChain{{Kind: types.LayerHandler, BodyLimit: &limit}},
	})

	conn := &types.ConnectionDescriptor{Method: "POST", Path: "/upload", ContentLength: 64}
	reqCtx := types.NewConnectionContext(context.Background(), conn)
	resp := engine.Execute(reqCtx)
	assert.Equal(t, 413, resp.Status)
}

func TestRouteTimeout(t *testing.T) {
	timeout := 10 * time.Millisecond
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/slow",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			select {
			case <-ctx.Context.Done():
				return nil, ctx.Context.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		},
		chain: types.LayerChain{{Kind: types.LayerHandler, Timeout: &timeout}},
	})

	_, resp := execute(engine, "GET", "/slow")
	assert.Equal(t, 408, resp.Status)
}

func TestClientCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/anything",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			t.Fatal("handler must not run on a dead connection")
			return nil, nil
		},
	})

	_, resp := executeCtx(ctx, engine, "GET", "/anything")
	assert.Equal(t, 499, resp.Status)
}

func TestBeforeRequestHookShortCircuits(t *testing.T) {
	var handlerRan bool

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/gated",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			handlerRan = true
			return "from handler", nil
		},
		chain: types.LayerChain{{
			Kind: types.LayerHandler,
			BeforeRequest: func(ctx *types.ConnectionContext) error {
				ctx.Response = types.NewResponse(204)
				return nil
			},
		}},
	})

	reqCtx, resp := execute(engine, "GET", "/gated")
	assert.Equal(t, 204, resp.Status)
	assert.False(t, handlerRan, "a hook-written response replaces the handler")
	assert.Equal(t, types.StageResponseResolved, reqCtx.Stage())
}

func TestTimeoutContextOutlivesResponse(t *testing.T) {
	timeout := time.Second
	var hookErr error

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/quick",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return "done", nil
		},
		chain: types.LayerChain{{
			Kind:    types.LayerHandler,
			Timeout: &timeout,
			AfterResponse: func(ctx *types.ConnectionContext) error {
				hookErr = ctx.Context.Err()
				return nil
			},
		}},
	})

	reqCtx, resp := execute(engine, "GET", "/quick")
	require.Equal(t, 200, resp.Status)

	engine.Finalize(reqCtx)
	assert.NoError(t, hookErr, "after-response hook sees a live context")
	assert.ErrorIs(t, reqCtx.Context.Err(), context.Canceled, "context is released when the lifecycle ends")
}

func TestHandlerBindsBody(t *testing.T) {
	type createNote struct {
		Title string `json:"title" validate:"required"`
	}

	engine := newTestEngine(t, nil, testRoute{
		method:   "POST",
		template: "/notes",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			var note createNote
			if err := ctx.Bind(&note); err != nil {
				return nil, err
			}
			return map[string]string{"title": note.Title}, nil
		},
	})

	conn := &types.ConnectionDescriptor{
		Method: "POST",
		Path:   "/notes",
		Body:   strings.NewReader(`{"title":"first"}`),
	}
	reqCtx := types.NewConnectionContext(context.Background(), conn)
	reqCtx.RequestID = "test"

	resp := engine.Execute(reqCtx)
	require.Equal(t, 200, resp.Status)
	assert.Equal(t, "first", decodeBody(t, resp)["title"])
}

func TestBindRejectsInvalidBody(t *testing.T) {
	type createNote struct {
		Title string `json:"title" validate:"required"`
	}

	engine := newTestEngine(t, nil, testRoute{
		method:   "POST",
		template: "/notes",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			var note createNote
			if err := ctx.Bind(&note); err != nil {
				return nil, err
			}
			return note, nil
		},
	})

	conn := &types.ConnectionDescriptor{
		Method: "POST",
		Path:   "/notes",
		Body:   strings.NewReader(`{}`),
	}
	reqCtx := types.NewConnectionContext(context.Background(), conn)
	reqCtx.RequestID = "test"

	resp := engine.Execute(reqCtx)
	require.Equal(t, 400, resp.Status)

	body := decodeBody(t, resp)
	assert.Equal(t, "validation failed", body["detail"])
	assert.NotEmpty(t, body["extra"])
}

func TestAfterRequestHookCanRewriteResponse(t *testing.T) {
	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/wrapped",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return "original", nil
		},
		chain: types.LayerChain{{
			Kind: types.LayerHandler,
			AfterRequest: func(ctx *types.ConnectionContext) error {
				ctx.Response.SetHeader("X-Post-Processed", "yes")
				return nil
			},
		}},
	})

	_, resp := execute(engine, "GET", "/wrapped")
	assert.Equal(t, "yes", resp.Header["X-Post-Processed"])
}

func TestAfterResponseHookRunsAfterSend(t *testing.T) {
	var sentAtHook bool

	engine := newTestEngine(t, nil, testRoute{
		method:   "GET",
		template: "/audit",
		handler: func(ctx *types.ConnectionContext) (interface{}, error) {
			return nil, nil
		},
		chain: types.LayerChain{{
			Kind: types.LayerHandler,
			AfterResponse: func(ctx *types.ConnectionContext) error {
				sentAtHook = ctx.WasSent()
				return nil
			},
		}},
	})

	reqCtx, _ := execute(engine, "GET", "/audit")
	engine.Finalize(reqCtx)
	assert.True(t, sentAtHook)
}

func TestLayerHeadersAppliedAsDefaults(t *testing.T) {
	engine := newTestEngine(t,
		&types.Layer{
			Kind:    types.LayerApplication,
			Headers: map[string]string{"X-Service": "dispatchkit", "X-Override": "app"},
		},
		testRoute{
			method:   "GET",
			template: "/headers",
			handler: func(ctx *types.ConnectionContext) (interface{}, error) {
				resp := types.NewResponse(200)
				resp.SetHeader("X-Override", "handler")
				return resp, nil
			},
		},
	)

	_, resp := execute(engine, "GET", "/headers")
	assert.Equal(t, "dispatchkit", resp.Header["X-Service"])
	assert.Equal(t, "handler", resp.Header["X-Override"], "handler-set header is not clobbered")
}
