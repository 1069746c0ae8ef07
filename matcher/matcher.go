package matcher

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
)

// Manager is the route table. Lookups run lock-free against an
// immutable tree snapshot; registration clones the tree under a writer
// lock and publishes the new snapshot atomically, so routes can be added
// while the server is accepting traffic.
type Manager struct {
	mu     sync.Mutex
	tree   atomic.Pointer[routeNode]
	routes []*types.Route
	// shapes indexes registered routes by method plus erased template,
	// so a colliding registration can name the route it collides with.
	shapes map[string]string
	logger types.Logger
}

func NewManager(logger types.Logger) *Manager {
	m := &Manager{
		shapes: make(map[string]string),
		logger: logger,
	}
	m.tree.Store(newRouteNode())
	return m
}

func (m *Manager) Register(method, template string, handler types.Handler, chain types.LayerChain, config *types.EffectiveConfig) (*types.Route, error) {
	methodIdx, exists := methodIndex[strings.ToUpper(method)]
	if !exists {
		return nil, types.Errorf(types.ErrTemplateInvalid, "unsupported method %q", method)
	}

	parsed, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}

	route := &types.Route{
		Method:   methodNames[methodIdx],
		Template: parsed,
		Handler:  handler,
		Chain:    chain,
		Config:   config,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	shapeKey := route.Method + " " + parsed.Erased()
	if prior, ok := m.shapes[shapeKey]; ok {
		return nil, types.Errorf(types.ErrAmbiguousRoute,
			"%s %q collides with registered %q", route.Method, parsed.Raw, prior)
	}

	next := m.tree.Load().clone()
	if err := next.insert(route, methodIdx); err != nil {
		return nil, err
	}

	m.tree.Store(next)
	m.routes = append(m.routes, route)
	m.shapes[shapeKey] = parsed.Raw

	if m.logger != nil {
		m.logger.Debug("route registered",
			zap.String("method", route.Method),
			zap.String("template", parsed.Raw))
	}

	return route, nil
}

func (m *Manager) Match(method, path string) (*types.RouteMatch, error) {
	methodIdx, exists := methodIndex[method]
	if !exists {
		return nil, types.Errorf(types.ErrRouteNotFound, "unsupported method %q", method)
	}

	segments := splitPath(path)
	params := make(map[string]string)
	probe := &matchProbe{}

	route := m.tree.Load().find(segments, 0, methodIdx, params, probe)
	if route == nil {
		if probe.structural {
			return nil, &types.MethodNotAllowedError{
				Method:  method,
				Allowed: allowedMethods(probe.allowedMask),
			}
		}
		return nil, types.Errorf(types.ErrRouteNotFound, "no route for %s %s", method, path)
	}

	return &types.RouteMatch{Route: route, RawParams: params}, nil
}

// CoerceParams converts the raw captures of a structural match into
// typed values. Coercion failures surface as a validation error rather
// than a missing route: the path shape matched, the values did not.
func (m *Manager) CoerceParams(match *types.RouteMatch) error {
	typed, err := coerceAll(match.Route.Template, match.RawParams)
	if err != nil {
		return err
	}
	match.Params = typed
	return nil
}

func (m *Manager) Routes() []*types.Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Route, len(m.routes))
	copy(out, m.routes)
	return out
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
