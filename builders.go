package dispatchkit

import (
	"time"

	"github.com/dispatchkit/dispatchkit/types"
)

// layerConfig is the shared mutation surface behind the fluent WithX
// methods. Each builder owns exactly one layer; the chain is assembled
// outermost first when the route is built.
type layerConfig struct {
	layer *types.Layer
}

func newLayerConfig(kind types.LayerKind, name string) layerConfig {
	return layerConfig{layer: &types.Layer{Kind: kind, Name: name}}
}

func (lc layerConfig) addGuards(guards []types.Guard) {
	lc.layer.Guards = append(lc.layer.Guards, guards...)
}

func (lc layerConfig) skipGuards() {
	skip := true
	lc.layer.SkipGuards = &skip
}

func (lc layerConfig) addMiddlewares(names []string) {
	lc.layer.Middlewares = append(lc.layer.Middlewares, names...)
}

func (lc layerConfig) addDependency(name string, provide types.ProviderFunc, blocking bool, requires []string) {
	if lc.layer.Dependencies == nil {
		lc.layer.Dependencies = make(map[string]*types.Dependency)
	}
	lc.layer.Dependencies[name] = &types.Dependency{
		Name:     name,
		Requires: requires,
		Provide:  provide,
		Blocking: blocking,
	}
}

func (lc layerConfig) addExceptionHandler(kind error, handler types.ExceptionHandler) {
	lc.layer.ExceptionHandlers = append(lc.layer.ExceptionHandlers, types.ExceptionMapping{
		Kind:    kind,
		Handler: handler,
	})
}

func (lc layerConfig) setHeader(name, value string) {
	if lc.layer.Headers == nil {
		lc.layer.Headers = make(map[string]string)
	}
	lc.layer.Headers[name] = value
}

func (lc layerConfig) setCookie(name, value string) {
	if lc.layer.Cookies == nil {
		lc.layer.Cookies = make(map[string]string)
	}
	lc.layer.Cookies[name] = value
}

func (lc layerConfig) setStatus(status int)         { lc.layer.Status = &status }
func (lc layerConfig) setBodyLimit(limit int64)     { lc.layer.BodyLimit = &limit }
func (lc layerConfig) setTimeout(d time.Duration)   { lc.layer.Timeout = &d }
func (lc layerConfig) setBefore(hook types.Hook)    { lc.layer.BeforeRequest = hook }
func (lc layerConfig) setAfter(hook types.Hook)     { lc.layer.AfterRequest = hook }
func (lc layerConfig) setAfterResp(hook types.Hook) { lc.layer.AfterResponse = hook }

func (lc layerConfig) setCache(key string, ttl time.Duration, deps []string) {
	lc.layer.Cache = &types.CachePolicy{
		Enabled: true,
		Key:     key,
		TTL:     ttl,
		Deps:    deps,
	}
}

// ---- application-level options ----

func (a *App) WithGuards(guards ...types.Guard) *App {
	a.addGuards(guards)
	return a
}

func (a *App) WithMiddlewares(names ...string) *App {
	a.addMiddlewares(names)
	return a
}

func (a *App) WithDependency(name string, provide types.ProviderFunc, requires ...string) *App {
	a.addDependency(name, provide, false, requires)
	return a
}

func (a *App) WithBlockingDependency(name string, provide types.ProviderFunc, requires ...string) *App {
	a.addDependency(name, provide, true, requires)
	return a
}

func (a *App) WithExceptionHandler(kind error, handler types.ExceptionHandler) *App {
	a.addExceptionHandler(kind, handler)
	return a
}

func (a *App) WithBeforeRequest(hook types.Hook) *App {
	a.setBefore(hook)
	return a
}

func (a *App) WithAfterRequest(hook types.Hook) *App {
	a.setAfter(hook)
	return a
}

func (a *App) WithAfterResponse(hook types.Hook) *App {
	a.setAfterResp(hook)
	return a
}

func (a *App) WithHeader(name, value string) *App {
	a.setHeader(name, value)
	return a
}

func (a *App) WithCookie(name, value string) *App {
	a.setCookie(name, value)
	return a
}

func (a *App) WithStatus(status int) *App {
	a.setStatus(status)
	return a
}

func (a *App) WithBodyLimit(limit int64) *App {
	a.setBodyLimit(limit)
	return a
}

func (a *App) WithTimeout(d time.Duration) *App {
	a.setTimeout(d)
	return a
}

func (a *App) WithCache(key string, ttl time.Duration, deps ...string) *App {
	a.setCache(key, ttl, deps)
	return a
}

// Router opens a routing group with a path prefix and its own layer.
func (a *App) Router(prefix string) *RouterBuilder {
	router := &RouterBuilder{
		layerConfig: newLayerConfig(types.LayerRouter, prefix),
		app:         a,
		prefix:      prefix,
	}
	a.routers = append(a.routers, router)
	return router
}

func (a *App) Route(method, path string, handler types.Handler) *RouteBuilder {
	route := &RouteBuilder{
		layerConfig: newLayerConfig(types.LayerHandler, method+" "+path),
		method:      method,
		path:        path,
		handler:     handler,
		parents:     []*types.Layer{a.layer},
	}
	a.routes = append(a.routes, route)
	return route
}

func (a *App) GET(path string, handler types.Handler) *RouteBuilder {
	return a.Route("GET", path, handler)
}

func (a *App) POST(path string, handler types.Handler) *RouteBuilder {
	return a.Route("POST", path, handler)
}

func (a *App) PUT(path string, handler types.Handler) *RouteBuilder {
	return a.Route("PUT", path, handler)
}

func (a *App) DELETE(path string, handler types.Handler) *RouteBuilder {
	return a.Route("DELETE", path, handler)
}

func (a *App) PATCH(path string, handler types.Handler) *RouteBuilder {
	return a.Route("PATCH", path, handler)
}

// ---- router layer ----

type RouterBuilder struct {
	layerConfig

	app    *App
	prefix string

	controllers []*ControllerBuilder
	routes      []*RouteBuilder
}

func (rb *RouterBuilder) WithGuards(guards ...types.Guard) *RouterBuilder {
	rb.addGuards(guards)
	return rb
}

func (rb *RouterBuilder) WithoutGuards() *RouterBuilder {
	rb.skipGuards()
	return rb
}

func (rb *RouterBuilder) WithMiddlewares(names ...string) *RouterBuilder {
	rb.addMiddlewares(names)
	return rb
}

func (rb *RouterBuilder) WithDependency(name string, provide types.ProviderFunc, requires ...string) *RouterBuilder {
	rb.addDependency(name, provide, false, requires)
	return rb
}

func (rb *RouterBuilder) WithBlockingDependency(name string, provide types.ProviderFunc, requires ...string) *RouterBuilder {
	rb.addDependency(name, provide, true, requires)
	return rb
}

func (rb *RouterBuilder) WithExceptionHandler(kind error, handler types.ExceptionHandler) *RouterBuilder {
	rb.addExceptionHandler(kind, handler)
	return rb
}

func (rb *RouterBuilder) WithBeforeRequest(hook types.Hook) *RouterBuilder {
	rb.setBefore(hook)
	return rb
}

func (rb *RouterBuilder) WithAfterRequest(hook types.Hook) *RouterBuilder {
	rb.setAfter(hook)
	return rb
}

func (rb *RouterBuilder) WithAfterResponse(hook types.Hook) *RouterBuilder {
	rb.setAfterResp(hook)
	return rb
}

func (rb *RouterBuilder) WithHeader(name, value string) *RouterBuilder {
	rb.setHeader(name, value)
	return rb
}

func (rb *RouterBuilder) WithCookie(name, value string) *RouterBuilder {
	rb.setCookie(name, value)
	return rb
}

func (rb *RouterBuilder) WithStatus(status int) *RouterBuilder {
	rb.setStatus(status)
	return rb
}

func (rb *RouterBuilder) WithBodyLimit(limit int64) *RouterBuilder {
	rb.setBodyLimit(limit)
	return rb
}

func (rb *RouterBuilder) WithTimeout(d time.Duration) *RouterBuilder {
	rb.setTimeout(d)
	return rb
}

func (rb *RouterBuilder) WithCache(key string, ttl time.Duration, deps ...string) *RouterBuilder {
	rb.setCache(key, ttl, deps)
	return rb
}

// Controller opens a nested group under this router.
func (rb *RouterBuilder) Controller(prefix string) *ControllerBuilder {
	controller := &ControllerBuilder{
		layerConfig: newLayerConfig(types.LayerController, prefix),
		router:      rb,
		prefix:      prefix,
	}
	rb.controllers = append(rb.controllers, controller)
	return controller
}

func (rb *RouterBuilder) Route(method, path string, handler types.Handler) *RouteBuilder {
	route := &RouteBuilder{
		layerConfig: newLayerConfig(types.LayerHandler, method+" "+path),
		method:      method,
		path:        rb.prefix + path,
		handler:     handler,
		parents:     []*types.Layer{rb.app.layer, rb.layer},
	}
	rb.routes = append(rb.routes, route)
	return route
}

func (rb *RouterBuilder) GET(path string, handler types.Handler) *RouteBuilder {
	return rb.Route("GET", path, handler)
}

func (rb *RouterBuilder) POST(path string, handler types.Handler) *RouteBuilder {
	return rb.Route("POST", path, handler)
}

func (rb *RouterBuilder) PUT(path string, handler types.Handler) *RouteBuilder {
	return rb.Route("PUT", path, handler)
}

func (rb *RouterBuilder) DELETE(path string, handler types.Handler) *RouteBuilder {
	return rb.Route("DELETE", path, handler)
}

func (rb *RouterBuilder) PATCH(path string, handler types.Handler) *RouteBuilder {
	return rb.Route("PATCH", path, handler)
}

// ---- controller layer ----

type ControllerBuilder struct {
	layerConfig

	router *RouterBuilder
	prefix string

	routes []*RouteBuilder
}

func (cb *ControllerBuilder) WithGuards(guards ...types.Guard) *ControllerBuilder {
	cb.addGuards(guards)
	return cb
}

func (cb *ControllerBuilder) WithoutGuards() *ControllerBuilder {
	cb.skipGuards()
	return cb
}

func (cb *ControllerBuilder) WithMiddlewares(names ...string) *ControllerBuilder {
	cb.addMiddlewares(names)
	return cb
}

func (cb *ControllerBuilder) WithDependency(name string, provide types.ProviderFunc, requires ...string) *ControllerBuilder {
	cb.addDependency(name, provide, false, requires)
	return cb
}

func (cb *ControllerBuilder) WithBlockingDependency(name string, provide types.ProviderFunc, requires ...string) *ControllerBuilder {
	cb.addDependency(name, provide, true, requires)
	return cb
}

func (cb *ControllerBuilder) WithExceptionHandler(kind error, handler types.ExceptionHandler) *ControllerBuilder {
	cb.addExceptionHandler(kind, handler)
	return cb
}

func (cb *ControllerBuilder) WithBeforeRequest(hook types.Hook) *ControllerBuilder {
	cb.setBefore(hook)
	return cb
}

func (cb *ControllerBuilder) WithAfterRequest(hook types.Hook) *ControllerBuilder {
	cb.setAfter(hook)
	return cb
}

func (cb *ControllerBuilder) WithAfterResponse(hook types.Hook) *ControllerBuilder {
	cb.setAfterResp(hook)
	return cb
}

func (cb *ControllerBuilder) WithHeader(name, value string) *ControllerBuilder {
	cb.setHeader(name, value)
	return cb
}

func (cb *ControllerBuilder) WithCookie(name, value string) *ControllerBuilder {
	cb.setCookie(name, value)
	return cb
}

func (cb *ControllerBuilder) WithStatus(status int) *ControllerBuilder {
	cb.setStatus(status)
	return cb
}

func (cb *ControllerBuilder) WithBodyLimit(limit int64) *ControllerBuilder {
	cb.setBodyLimit(limit)
	return cb
}

func (cb *ControllerBuilder) WithTimeout(d time.Duration) *ControllerBuilder {
	cb.setTimeout(d)
	return cb
}

func (cb *ControllerBuilder) WithCache(key string, ttl time.Duration, deps ...string) *ControllerBuilder {
	cb.setCache(key, ttl, deps)
	return cb
}

func (cb *ControllerBuilder) Route(method, path string, handler types.Handler) *RouteBuilder {
	route := &RouteBuilder{
		layerConfig: newLayerConfig(types.LayerHandler, method+" "+path),
		method:      method,
		path:        cb.router.prefix + cb.prefix + path,
		handler:     handler,
		parents:     []*types.Layer{cb.router.app.layer, cb.router.layer, cb.layer},
	}
	cb.routes = append(cb.routes, route)
	return route
}

func (cb *ControllerBuilder) GET(path string, handler types.Handler) *RouteBuilder {
	return cb.Route("GET", path, handler)
}

func (cb *ControllerBuilder) POST(path string, handler types.Handler) *RouteBuilder {
	return cb.Route("POST", path, handler)
}

func (cb *ControllerBuilder) PUT(path string, handler types.Handler) *RouteBuilder {
	return cb.Route("PUT", path, handler)
}

func (cb *ControllerBuilder) DELETE(path string, handler types.Handler) *RouteBuilder {
	return cb.Route("DELETE", path, handler)
}

func (cb *ControllerBuilder) PATCH(path string, handler types.Handler) *RouteBuilder {
	return cb.Route("PATCH", path, handler)
}

// ---- handler layer ----

type RouteBuilder struct {
	layerConfig

	method  string
	path    string
	handler types.Handler
	parents []*types.Layer
}

func (hb *RouteBuilder) chain() types.LayerChain {
	chain := make(types.LayerChain, 0, len(hb.parents)+1)
	chain = append(chain, hb.parents...)
	chain = append(chain, hb.layer)
	return chain
}

func (hb *RouteBuilder) WithGuards(guards ...types.Guard) *RouteBuilder {
	hb.addGuards(guards)
	return hb
}

func (hb *RouteBuilder) WithoutGuards() *RouteBuilder {
	hb.skipGuards()
	return hb
}

func (hb *RouteBuilder) WithMiddlewares(names ...string) *RouteBuilder {
	hb.addMiddlewares(names)
	return hb
}

func (hb *RouteBuilder) WithDependency(name string, provide types.ProviderFunc, requires ...string) *RouteBuilder {
	hb.addDependency(name, provide, false, requires)
	return hb
}

func (hb *RouteBuilder) WithBlockingDependency(name string, provide types.ProviderFunc, requires ...string) *RouteBuilder {
	hb.addDependency(name, provide, true, requires)
	return hb
}

func (hb *RouteBuilder) WithExceptionHandler(kind error, handler types.ExceptionHandler) *RouteBuilder {
	hb.addExceptionHandler(kind, handler)
	return hb
}

func (hb *RouteBuilder) WithBeforeRequest(hook types.Hook) *RouteBuilder {
	hb.setBefore(hook)
	return hb
}

func (hb *RouteBuilder) WithAfterRequest(hook types.Hook) *RouteBuilder {
	hb.setAfter(hook)
	return hb
}

func (hb *RouteBuilder) WithAfterResponse(hook types.Hook) *RouteBuilder {
	hb.setAfterResp(hook)
	return hb
}

func (hb *RouteBuilder) WithHeader(name, value string) *RouteBuilder {
	hb.setHeader(name, value)
	return hb
}

func (hb *RouteBuilder) WithCookie(name, value string) *RouteBuilder {
	hb.setCookie(name, value)
	return hb
}

func (hb *RouteBuilder) WithStatus(status int) *RouteBuilder {
	hb.setStatus(status)
	return hb
}

func (hb *RouteBuilder) WithBodyLimit(limit int64) *RouteBuilder {
	hb.setBodyLimit(limit)
	return hb
}

func (hb *RouteBuilder) WithTimeout(d time.Duration) *RouteBuilder {
	hb.setTimeout(d)
	return hb
}

func (hb *RouteBuilder) WithCache(key string, ttl time.Duration, deps ...string) *RouteBuilder {
	hb.setCache(key, ttl, deps)
	return hb
}
