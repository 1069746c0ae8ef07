package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

// Cache serves GET responses from the cache manager. It only activates
// on routes whose effective configuration carries an enabled cache
// policy; everything else passes through untouched.
type Cache struct {
	config      types.ConfigManager
	logger      types.Logger
	metrics     types.MetricsManager
	cache       types.CacheManager
	cacheConfig *CacheMiddlewareConfig
	name        string
	weight      int
	hitLabels   map[string]string
	missLabels  map[string]string
}

type CacheMiddlewareConfig struct {
	DefaultTTL time.Duration `json:"default_ttl"`
}

func NewCache(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, cache types.CacheManager) *Cache {
	cacheConfig := &CacheMiddlewareConfig{
		DefaultTTL: time.Minute,
	}

	if params := config.GetConfig().Middlewares.Cache.Params; params != nil {
		if err := utils.UnmarshalConfig(params, cacheConfig); err != nil {
			logger.Error("Failed to unmarshal cache middleware config", zap.Error(err))
		}
	}

	return &Cache{
		name:        "cache",
		weight:      config.GetConfig().Middlewares.Cache.Weight,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		cache:       cache,
		cacheConfig: cacheConfig,
		hitLabels:   map[string]string{"middleware": "cache", "result": "hit"},
		missLabels:  map[string]string{"middleware": "cache", "result": "miss"},
	}
}

func (c *Cache) Name() string { return c.name }
func (c *Cache) Weight() int  { return c.weight }

func (c *Cache) Handle(ctx *types.ConnectionContext, next func(*types.ConnectionContext) error) error {
	policy := c.policyFor(ctx)
	if policy == nil || !policy.Enabled || c.cache == nil || ctx.Conn.Method != "GET" {
		return next(ctx)
	}

	key := policy.Key
	if key == "" {
		key = c.cache.BuildCacheKey(ctx.Conn.Path, policy.Deps, map[string]string{
			"query": ctx.Conn.Query,
		})
	}

	if value, found := c.cache.Get(key); found {
		if cached, ok := value.(*types.CachedResponse); ok {
			if c.metrics != nil {
				c.metrics.Counter("cache_requests_total", c.hitLabels).Inc()
			}
			ctx.Response = responseFromCached(cached)
			return nil
		}
	}

	if c.metrics != nil {
		c.metrics.Counter("cache_requests_total", c.missLabels).Inc()
	}

	err := next(ctx)
	if err != nil || ctx.Response == nil || ctx.Response.Status >= 300 {
		return err
	}

	ttl := policy.TTL
	if ttl <= 0 {
		ttl = c.cacheConfig.DefaultTTL
	}

	if setErr := c.cache.Set(key, cachedFromResponse(ctx.Response), ttl); setErr != nil {
		c.logger.Warn("failed to store cached response",
			zap.String("key", key), zap.Error(setErr))
	}

	return nil
}

func (c *Cache) policyFor(ctx *types.ConnectionContext) *types.CachePolicy {
	if ctx.Route == nil || ctx.Route.Config == nil {
		return nil
	}
	return ctx.Route.Config.Cache
}

func responseFromCached(cached *types.CachedResponse) *types.ResponseDescriptor {
	resp := types.NewResponse(cached.Status)
	for name, value := range cached.Header {
		resp.SetHeader(name, value)
	}
	resp.Body = cached.Body
	resp.MediaType = cached.MediaType
	resp.SetHeader("X-Cache", "HIT")
	return resp
}

func cachedFromResponse(resp *types.ResponseDescriptor) *types.CachedResponse {
	header := make(map[string]string, len(resp.Header))
	for name, value := range resp.Header {
		header[name] = value
	}
	return &types.CachedResponse{
		Status:    resp.Status,
		Header:    header,
		Body:      append([]byte(nil), resp.Body...),
		MediaType: resp.MediaType,
		StoredAt:  time.Now(),
	}
}
