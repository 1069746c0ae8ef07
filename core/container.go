package core

import (
	"sync/atomic"

	"github.com/dispatchkit/dispatchkit/cache"
	"github.com/dispatchkit/dispatchkit/logger"
	"github.com/dispatchkit/dispatchkit/metrics"
	"github.com/dispatchkit/dispatchkit/types"
)

// Container holds every assembled component behind atomic pointers so
// accessors are safe during startup and shutdown.
type Container struct {
	Config      atomic.Pointer[types.ConfigManager]
	Logger      atomic.Pointer[types.LoggerManager]
	Matcher     atomic.Pointer[types.PathMatcher]
	Cache       atomic.Pointer[types.CacheManager]
	Metrics     atomic.Pointer[types.MetricsManager]
	Middlewares atomic.Pointer[types.MiddlewareManager]
	Health      atomic.Pointer[types.HealthManager]
	TLSManager  atomic.Pointer[types.TLSManager]
	Engine      atomic.Pointer[types.LifecycleEngine]
	Server      atomic.Pointer[types.LifecycleManager]
}

var globalContainer *Container

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer = container
}

func Config() types.ConfigManager {
	if ptr := globalContainer.Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := globalContainer.Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Matcher() types.PathMatcher {
	if ptr := globalContainer.Matcher.Load(); ptr != nil {
		return *ptr
	}
	panic("PathMatcher not initialized")
}

func Cache() types.CacheManager {
	if ptr := globalContainer.Cache.Load(); ptr != nil {
		return *ptr
	}
	panic("CacheManager not initialized")
}

func Metrics() types.MetricsManager {
	if ptr := globalContainer.Metrics.Load(); ptr != nil {
		return *ptr
	}
	panic("MetricsManager not initialized")
}

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.Config.Store(&config)
}

func (c *Container) SetLogger(logger types.LoggerManager) {
	c.Logger.Store(&logger)
}

func (c *Container) SetMatcher(matcher types.PathMatcher) {
	c.Matcher.Store(&matcher)
}

func (c *Container) SetCache(cache types.CacheManager) {
	c.Cache.Store(&cache)
}

func (c *Container) SetMetrics(metrics types.MetricsManager) {
	c.Metrics.Store(&metrics)
}

func (c *Container) SetMiddlewares(middlewares types.MiddlewareManager) {
	c.Middlewares.Store(&middlewares)
}

func (c *Container) SetHealth(health types.HealthManager) {
	c.Health.Store(&health)
}

func (c *Container) SetTLSManager(tlsManager types.TLSManager) {
	c.TLSManager.Store(&tlsManager)
}

func (c *Container) SetEngine(engine types.LifecycleEngine) {
	c.Engine.Store(&engine)
}

func (c *Container) SetServer(server types.LifecycleManager) {
	c.Server.Store(&server)
}
