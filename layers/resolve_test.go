package layers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/types"
)

func namedGuard(name string, log *[]string) types.Guard {
	return func(ctx *types.ConnectionContext) error {
		*log = append(*log, name)
		return nil
	}
}

func provider(value interface{}) types.ProviderFunc {
	return func(ctx *types.ConnectionContext) (interface{}, error) {
		return value, nil
	}
}

func TestResolveGuardsCumulative(t *testing.T) {
	var log []string
	chain := types.LayerChain{
		{Kind: types.LayerApplication, Guards: []types.Guard{namedGuard("app", &log)}},
		{Kind: types.LayerRouter, Guards: []types.Guard{namedGuard("router", &log)}},
		{Kind: types.LayerHandler, Guards: []types.Guard{namedGuard("route", &log)}},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)
	require.Len(t, cfg.Guards, 3)

	ctx := types.NewConnectionContext(nil, &types.ConnectionDescriptor{})
	for _, guard := range cfg.Guards {
		require.NoError(t, guard(ctx))
	}
	assert.Equal(t, []string{"app", "router", "route"}, log, "outermost guard runs first")
}

func TestResolveMiddlewaresCumulativeNoDedup(t *testing.T) {
	chain := types.LayerChain{
		{Kind: types.LayerApplication, Middlewares: []string{"logging", "auth"}},
		{Kind: types.LayerHandler, Middlewares: []string{"auth"}},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)
	assert.Equal(t, []string{"logging", "auth", "auth"}, cfg.MiddlewareNames)
}

func TestResolveClosestWins(t *testing.T) {
	outerStatus, innerStatus := 200, 201
	outerLimit := int64(1 << 20)
	innerTimeout := 2 * time.Second
	skip := true

	var hookRuns []string
	outerHook := func(ctx *types.ConnectionContext) error {
		hookRuns = append(hookRuns, "outer")
		return nil
	}
	innerHook := func(ctx *types.ConnectionContext) error {
		hookRuns = append(hookRuns, "inner")
		return nil
	}

	chain := types.LayerChain{
		{
			Kind:          types.LayerApplication,
			Status:        &outerStatus,
			BodyLimit:     &outerLimit,
			BeforeRequest: outerHook,
		},
		{
			Kind:          types.LayerHandler,
			Status:        &innerStatus,
			Timeout:       &innerTimeout,
			SkipGuards:    &skip,
			BeforeRequest: innerHook,
		},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)

	assert.Equal(t, 201, cfg.Status, "inner status wins")
	assert.Equal(t, outerLimit, cfg.BodyLimit, "outer limit survives when inner is silent")
	assert.Equal(t, innerTimeout, cfg.Timeout)
	assert.True(t, cfg.SkipGuards)

	require.NotNil(t, cfg.BeforeRequest)
	require.NoError(t, cfg.BeforeRequest(nil))
	assert.Equal(t, []string{"inner"}, hookRuns, "inner hook replaces outer, no chaining")
}

func TestResolveExplicitZeroOverrides(t *testing.T) {
	outerLimit, innerLimit := int64(4096), int64(0)
	chain := types.LayerChain{
		{Kind: types.LayerApplication, BodyLimit: &outerLimit},
		{Kind: types.LayerHandler, BodyLimit: &innerLimit},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.BodyLimit, "explicit zero is an override, not an absence")
}

func TestResolveKeyedMerge(t *testing.T) {
	chain := types.LayerChain{
		{
			Kind:    types.LayerApplication,
			Headers: map[string]string{"X-Service": "app", "X-Zone": "eu"},
			Dependencies: map[string]*types.Dependency{
				"db":   {Name: "db", Provide: provider("outer-db")},
				"auth": {Name: "auth", Provide: provider("outer-auth")},
			},
		},
		{
			Kind:    types.LayerHandler,
			Headers: map[string]string{"X-Service": "route"},
			Dependencies: map[string]*types.Dependency{
				"db": {Name: "db", Provide: provider("inner-db")},
			},
		},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)

	assert.Equal(t, "route", cfg.Headers["X-Service"], "inner key wins")
	assert.Equal(t, "eu", cfg.Headers["X-Zone"], "unrelated outer key survives")

	value, err := cfg.Dependencies["db"].Provide(nil)
	require.NoError(t, err)
	assert.Equal(t, "inner-db", value)
	assert.Len(t, cfg.Dependencies, 2)
}

func TestResolveOrderTopological(t *testing.T) {
	chain := types.LayerChain{
		{
			Kind: types.LayerApplication,
			Dependencies: map[string]*types.Dependency{
				"c": {Name: "c", Requires: []string{"a", "b"}, Provide: provider(3)},
				"b": {Name: "b", Requires: []string{"a"}, Provide: provider(2)},
				"a": {Name: "a", Provide: provider(1)},
			},
		},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.ResolveOrder)
}

func TestResolveDependencyCycle(t *testing.T) {
	chain := types.LayerChain{
		{
			Kind: types.LayerApplication,
			Dependencies: map[string]*types.Dependency{
				"a": {Name: "a", Requires: []string{"b"}, Provide: provider(1)},
				"b": {Name: "b", Requires: []string{"a"}, Provide: provider(2)},
			},
		},
	}

	_, err := Resolve(chain)
	assert.ErrorIs(t, err, types.ErrDependencyCycle)
}

func TestResolveUnknownRequirement(t *testing.T) {
	chain := types.LayerChain{
		{
			Kind: types.LayerApplication,
			Dependencies: map[string]*types.Dependency{
				"a": {Name: "a", Requires: []string{"missing"}, Provide: provider(1)},
			},
		},
	}

	_, err := Resolve(chain)
	assert.ErrorIs(t, err, types.ErrDependencyNotFound)
}

func TestResolveInvalidLayers(t *testing.T) {
	tests := []struct {
		name  string
		chain types.LayerChain
	}{
		{"nil layer", types.LayerChain{nil}},
		{"nil guard", types.LayerChain{{Guards: []types.Guard{nil}}}},
		{"nil provider", types.LayerChain{{Dependencies: map[string]*types.Dependency{"x": {Name: "x"}}}}},
		{"incomplete exception mapping", types.LayerChain{{ExceptionHandlers: []types.ExceptionMapping{{Kind: errors.New("x")}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.chain)
			assert.ErrorIs(t, err, types.ErrLayerInvalid)
		})
	}
}

func TestExceptionHandlersInnermostFirst(t *testing.T) {
	kind := errors.New("domain failure")
	respond := func(tag string) types.ExceptionHandler {
		return func(ctx *types.ConnectionContext, err error) *types.ResponseDescriptor {
			resp := types.NewResponse(500)
			resp.SetHeader("X-Handled-By", tag)
			return resp
		}
	}

	chain := types.LayerChain{
		{Kind: types.LayerApplication, ExceptionHandlers: []types.ExceptionMapping{{Kind: kind, Handler: respond("app")}}},
		{Kind: types.LayerHandler, ExceptionHandlers: []types.ExceptionMapping{{Kind: kind, Handler: respond("route")}}},
	}

	cfg, err := Resolve(chain)
	require.NoError(t, err)
	require.Len(t, cfg.ExceptionHandlers, 1, "one mapping per kind, innermost kept")

	resp := cfg.ExceptionHandlers[0].Handler(nil, kind)
	assert.Equal(t, "route", resp.Header["X-Handled-By"])
}

func TestResolveIsIdempotent(t *testing.T) {
	status := 201
	limit := int64(1 << 20)
	var log []string
	chain := types.LayerChain{
		{
			Kind:        types.LayerApplication,
			Status:      &status,
			BodyLimit:   &limit,
			Guards:      []types.Guard{namedGuard("app", &log)},
			Middlewares: []string{"logging"},
			Headers:     map[string]string{"X-Zone": "eu"},
			Dependencies: map[string]*types.Dependency{
				"b": {Name: "b", Requires: []string{"a"}, Provide: provider(2)},
				"a": {Name: "a", Provide: provider(1)},
			},
		},
		{Kind: types.LayerHandler, Middlewares: []string{"auth"}},
	}

	first, err := Resolve(chain)
	require.NoError(t, err)
	second, err := Resolve(chain)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.BodyLimit, second.BodyLimit)
	assert.Equal(t, first.MiddlewareNames, second.MiddlewareNames)
	assert.Equal(t, first.Headers, second.Headers)
	assert.Equal(t, first.ResolveOrder, second.ResolveOrder)
	assert.Len(t, second.Guards, len(first.Guards))

	// resolving must not mutate the chain it reads
	assert.Equal(t, []string{"logging"}, chain[0].Middlewares)
	assert.Len(t, chain[0].Dependencies, 2)
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := Resolve(types.LayerChain{{Kind: types.LayerApplication}})
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.Status)
	assert.Zero(t, cfg.BodyLimit)
	assert.Zero(t, cfg.Timeout)
	assert.False(t, cfg.SkipGuards)
	assert.Empty(t, cfg.ResolveOrder)
}
