package matcher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/types"
)

func noopHandler(ctx *types.ConnectionContext) (interface{}, error) {
	return nil, nil
}

func register(t *testing.T, m *Manager, method, template string) *types.Route {
	t.Helper()
	route, err := m.Register(method, template, noopHandler, nil, nil)
	require.NoError(t, err)
	return route
}

func TestMatchStatic(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/list")

	match, err := m.Match("GET", "/users/list")
	require.NoError(t, err)
	assert.Equal(t, "/users/list", match.Route.Pattern())
	assert.Empty(t, match.RawParams)

	match, err = m.Match("GET", "/users/list/")
	require.NoError(t, err, "trailing slash is equivalent")
	assert.Equal(t, "/users/list", match.Route.Pattern())
}

func TestMatchParams(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}/orders/{order:uuid}")

	match, err := m.Match("GET", "/users/42/orders/5f8e8d9a-9c97-4f35-b1cf-22f5b8d2a001")
	require.NoError(t, err)
	assert.Equal(t, "42", match.RawParams["id"])

	require.NoError(t, m.CoerceParams(match))
	assert.Equal(t, int64(42), match.Params["id"])
	assert.Equal(t, uuid.MustParse("5f8e8d9a-9c97-4f35-b1cf-22f5b8d2a001"), match.Params["order"])
}

func TestLiteralWinsOverParam(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/me")
	register(t, m, "GET", "/users/{id:int}")

	match, err := m.Match("GET", "/users/me")
	require.NoError(t, err)
	assert.Equal(t, "/users/me", match.Route.Pattern())

	match, err = m.Match("GET", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "/users/{id:int}", match.Route.Pattern())
}

func TestBacktracking(t *testing.T) {
	// /fixed/sub only exists under the literal branch; /fixed/other must
	// backtrack out of the literal branch into the param child.
	m := NewManager(nil)
	register(t, m, "GET", "/fixed/sub")
	register(t, m, "GET", "/{section}/other")

	match, err := m.Match("GET", "/fixed/other")
	require.NoError(t, err)
	assert.Equal(t, "/{section}/other", match.Route.Pattern())
	assert.Equal(t, "fixed", match.RawParams["section"])

	// captures from the abandoned branch must not leak
	match, err = m.Match("GET", "/fixed/sub")
	require.NoError(t, err)
	assert.Empty(t, match.RawParams)
}

func TestRemainderMatch(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/static/{filepath:path}")
	register(t, m, "GET", "/static/app.css")

	match, err := m.Match("GET", "/static/js/vendor/app.js")
	require.NoError(t, err)
	assert.Equal(t, "js/vendor/app.js", match.RawParams["filepath"])

	match, err = m.Match("GET", "/static/app.css")
	require.NoError(t, err)
	assert.Equal(t, "/static/app.css", match.Route.Pattern())
}

func TestMethodNotAllowed(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}")
	register(t, m, "DELETE", "/users/{id:int}")

	_, err := m.Match("POST", "/users/42")
	require.Error(t, err)

	var methodErr *types.MethodNotAllowedError
	require.ErrorAs(t, err, &methodErr)
	assert.ErrorIs(t, err, types.ErrMethodNotAllowed)
	assert.Equal(t, []string{"GET", "DELETE"}, methodErr.Allowed)
}

func TestRouteNotFound(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}")

	_, err := m.Match("GET", "/orders/42")
	assert.ErrorIs(t, err, types.ErrRouteNotFound)

	// a structural hit on a different branch must not turn a miss into 405
	_, err = m.Match("GET", "/users/42/extra")
	assert.ErrorIs(t, err, types.ErrRouteNotFound)
}

func TestAmbiguousRegistration(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}")

	_, err := m.Register("GET", "/users/{name:str}", noopHandler, nil, nil)
	assert.ErrorIs(t, err, types.ErrAmbiguousRoute, "different param name/kind at same position")

	_, err = m.Register("GET", "/users/{id:int}", noopHandler, nil, nil)
	assert.ErrorIs(t, err, types.ErrAmbiguousRoute, "duplicate method+template")

	_, err = m.Register("POST", "/users/{id:int}", noopHandler, nil, nil)
	assert.NoError(t, err, "same template, different method")
}

func TestAmbiguousRegistrationNamesExistingRoute(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}")

	_, err := m.Register("GET", "/users/{name:str}", noopHandler, nil, nil)
	require.ErrorIs(t, err, types.ErrAmbiguousRoute)
	assert.ErrorContains(t, err, "/users/{id:int}")
}

func TestFailedRegistrationLeavesTableIntact(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/users/{id:int}")

	_, err := m.Register("GET", "/users/{uid:uuid}", noopHandler, nil, nil)
	require.Error(t, err)

	match, err := m.Match("GET", "/users/42")
	require.NoError(t, err)
	assert.Equal(t, "/users/{id:int}", match.Route.Pattern())
	assert.Len(t, m.Routes(), 1)
}

func TestCoercionFailureAggregates(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/span/{from:date}/{to:date}")

	match, err := m.Match("GET", "/span/2026-08-31/not-a-date")
	require.NoError(t, err, "structural match succeeds before coercion")

	err = m.CoerceParams(match)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Len(t, validationErr.Fields, 1)
	assert.Equal(t, "to", validationErr.Fields[0].Field)
	assert.Equal(t, "not-a-date", validationErr.Fields[0].Value)
}

func TestCoerceValueKinds(t *testing.T) {
	tests := []struct {
		raw  string
		kind types.ParamKind
		want interface{}
	}{
		{"42", types.ParamInt, int64(42)},
		{"2.5", types.ParamFloat, 2.5},
		{"hello", types.ParamString, "hello"},
		{"90s", types.ParamDuration, 90 * time.Second},
	}

	for _, tt := range tests {
		value, err := CoerceValue(tt.raw, tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, value)
	}

	_, err := CoerceValue("abc", types.ParamInt)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRegistrationWhileMatching(t *testing.T) {
	m := NewManager(nil)
	register(t, m, "GET", "/a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := m.Match("GET", "/a"); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		register(t, m, "POST", "/b/{n:int}/"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	<-done
}
