// Package dispatchkit assembles the routing and dispatch core into a
// runnable service: a layered route table, a lifecycle engine, and a
// fasthttp front end, configured from a YAML service config.
package dispatchkit

import (
	"context"

	"github.com/dispatchkit/dispatchkit/cache"
	"github.com/dispatchkit/dispatchkit/codec"
	"github.com/dispatchkit/dispatchkit/config"
	"github.com/dispatchkit/dispatchkit/core"
	"github.com/dispatchkit/dispatchkit/dispatch"
	"github.com/dispatchkit/dispatchkit/health"
	"github.com/dispatchkit/dispatchkit/layers"
	"github.com/dispatchkit/dispatchkit/lifecycle"
	"github.com/dispatchkit/dispatchkit/logger"
	"github.com/dispatchkit/dispatchkit/matcher"
	"github.com/dispatchkit/dispatchkit/metrics"
	"github.com/dispatchkit/dispatchkit/middleware"
	"github.com/dispatchkit/dispatchkit/tls"
	"github.com/dispatchkit/dispatchkit/types"
)

// App collects layered route declarations and builds them into a
// running service. Declaration order: application-level options on the
// App itself, then Router/Controller groups, then individual routes.
// Build resolves every chain once; nothing is merged per request.
type App struct {
	layerConfig

	ctx       context.Context
	cancel    context.CancelFunc
	container *core.Container
	codec     types.Codec

	healthManager *health.Manager

	routers []*RouterBuilder
	routes  []*RouteBuilder

	service *Service
	built   bool
}

// New loads the YAML config at configPath and assembles the component
// set it enables.
func New(ctx context.Context, configPath string) (*App, error) {
	configManager := config.NewManager(configPath)
	if err := configManager.Load(); err != nil {
		return nil, err
	}
	return newApp(ctx, configManager)
}

// NewWithConfig assembles from an in-memory config, for embedded use
// and tests.
func NewWithConfig(ctx context.Context, cfg *types.ServiceConfig) (*App, error) {
	configManager, err := config.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, configManager)
}

func newApp(ctx context.Context, configManager types.ConfigManager) (*App, error) {
	appCtx, cancel := context.WithCancel(ctx)

	container := core.InitContainer()

	app := &App{
		layerConfig: newLayerConfig(types.LayerApplication, "app"),
		ctx:         appCtx,
		cancel:      cancel,
		container:   container,
		codec:       codec.NewJSON(),
	}

	if err := app.registerProviders(configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	core.SetContainer(container)
	return app, nil
}

func (a *App) registerProviders(configManager types.ConfigManager) error {
	a.container.SetConfig(configManager)
	cfg := configManager.GetConfig()

	loggerManager, err := logger.NewManager(a.ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	a.container.SetLogger(loggerManager)

	matcherManager := matcher.NewManager(loggerManager)
	a.container.SetMatcher(matcherManager)

	var metricsManager types.MetricsManager
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(a.ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		a.container.SetMetrics(metricsManager)
	}

	var cacheManager types.CacheManager
	if cfg.Cache != nil && cfg.Cache.Enabled {
		cacheManager, err = cache.NewCacheManager(a.ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cache manager")
		}
		a.container.SetCache(cacheManager)
	}

	middlewareManager, err := middleware.NewManager(a.ctx, configManager, loggerManager, metricsManager, cacheManager)
	if err != nil {
		return types.WrapError(err, "failed to register middleware manager")
	}
	if cfg.Middlewares != nil && cfg.Middlewares.Enabled {
		if err := middlewareManager.RegisterDefaults(); err != nil {
			return types.WrapError(err, "failed to register default middlewares")
		}
	}
	a.container.SetMiddlewares(middlewareManager)

	if cfg.Health != nil && cfg.Health.Enabled {
		a.healthManager = health.NewManager(a.ctx, configManager, loggerManager)
		a.container.SetHealth(a.healthManager)
	}

	if cfg.Server != nil && cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		tlsManager, err := tls.NewManager(a.ctx, loggerManager, configManager)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
		a.container.SetTLSManager(tlsManager)
	}

	return nil
}

// Logger exposes the assembled logger for application code.
func (a *App) Logger() types.Logger {
	if ptr := a.container.Logger.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

// Codec returns the validation and serialization backend. Handlers
// normally reach it through ConnectionContext.Bind instead.
func (a *App) Codec() types.Codec {
	return a.codec
}

// Health returns the health manager, or nil when disabled.
func (a *App) Health() *health.Manager {
	return a.healthManager
}

// Matcher exposes the route table, mainly for dynamic registration
// after startup.
func (a *App) Matcher() types.PathMatcher {
	if ptr := a.container.Matcher.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

// Build resolves every declared layer chain, registers the routes, and
// wires the engine and server. It is idempotent; Run calls it when the
// caller has not.
func (a *App) Build() error {
	if a.built {
		return nil
	}

	configManager := *a.container.Config.Load()
	cfg := configManager.GetConfig()
	loggerManager := *a.container.Logger.Load()
	matcherManager := a.Matcher()

	a.registerOperationalRoutes(cfg)

	var middlewareManager types.MiddlewareManager
	if ptr := a.container.Middlewares.Load(); ptr != nil {
		middlewareManager = *ptr
	}

	// Application defaults run before any layer-declared middleware.
	if middlewareManager != nil {
		if defaults := middlewareManager.Defaults(); len(defaults) > 0 {
			a.layer.Middlewares = append(defaults, a.layer.Middlewares...)
		}
	}

	appConfig, err := layers.Resolve(types.LayerChain{a.layer})
	if err != nil {
		return types.WrapError(err, "failed to resolve application layer")
	}

	workerLimit := 0
	if cfg.Dispatch != nil {
		workerLimit = cfg.Dispatch.WorkerLimit
	}

	engine := lifecycle.NewEngine(matcherManager, middlewareManager, a.codec, appConfig, workerLimit, loggerManager)
	a.container.SetEngine(engine)

	for _, route := range a.collectRoutes() {
		chain := route.chain()
		effective, err := layers.Resolve(chain)
		if err != nil {
			return types.Errorf(types.ErrLayerInvalid, "route %s %s: %v", route.method, route.path, err)
		}
		if middlewareManager != nil {
			// referencing unregistered middleware is a wiring bug; fail
			// at build instead of on the first request
			if _, err := middlewareManager.Chain(effective.MiddlewareNames); err != nil {
				return types.Errorf(types.ErrLayerInvalid, "route %s %s: %v", route.method, route.path, err)
			}
		}
		if _, err := matcherManager.Register(route.method, route.path, route.handler, chain, effective); err != nil {
			return err
		}
	}

	var metricsManager types.MetricsManager
	if ptr := a.container.Metrics.Load(); ptr != nil {
		metricsManager = *ptr
	}
	var tlsManager types.TLSManager
	if ptr := a.container.TLSManager.Load(); ptr != nil {
		tlsManager = *ptr
	}

	server, err := dispatch.NewServer(a.ctx, configManager, loggerManager, metricsManager, engine, tlsManager)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}
	a.container.SetServer(server)

	a.service = newService(a.ctx, a.cancel, a.container)
	a.built = true
	return nil
}

// registerOperationalRoutes adds the health, version and metrics
// endpoints when their subsystems are enabled.
func (a *App) registerOperationalRoutes(cfg *types.ServiceConfig) {
	if a.healthManager != nil {
		path := cfg.Health.Path
		if path == "" {
			path = "/health"
		}
		a.GET(path, a.healthManager.HealthHandler)
		a.GET("/version", a.healthManager.VersionHandler)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled && cfg.Metrics.Path != "" {
		metricsManager := *a.container.Metrics.Load()
		a.GET(cfg.Metrics.Path, func(ctx *types.ConnectionContext) (interface{}, error) {
			body, err := metricsManager.GetMetrics()
			if err != nil {
				return nil, err
			}
			resp := types.NewResponse(200)
			resp.Body = body
			resp.MediaType = "application/json"
			return resp, nil
		})
	}
}

func (a *App) collectRoutes() []*RouteBuilder {
	routes := make([]*RouteBuilder, 0, len(a.routes))
	routes = append(routes, a.routes...)
	for _, router := range a.routers {
		routes = append(routes, router.routes...)
		for _, controller := range router.controllers {
			routes = append(routes, controller.routes...)
		}
	}
	return routes
}

// Dispatcher returns an in-process dispatch core bound to the built
// engine, useful for tests and embedded callers that bypass the wire.
func (a *App) Dispatcher() (*dispatch.Core, error) {
	if err := a.Build(); err != nil {
		return nil, err
	}
	engine := *a.container.Engine.Load()
	return dispatch.NewCore(engine, a.Logger()), nil
}

// Run builds the application if needed and blocks until shutdown.
func (a *App) Run() error {
	if err := a.Build(); err != nil {
		return err
	}
	return a.service.Start()
}

// Shutdown requests a graceful stop of a running application.
func (a *App) Shutdown() error {
	if a.service == nil {
		return types.ErrServiceIsNotRunning
	}
	return a.service.Stop()
}
