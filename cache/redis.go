package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

// redisEntry is the stored form of a cache record. Responses keep their
// concrete type through a round trip; anything else lands in Value.
type redisEntry struct {
	Key       string                `json:"key"`
	Response  *types.CachedResponse `json:"response,omitempty"`
	Value     interface{}           `json:"value,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

type RedisCache struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "dispatchkit",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	cache := &RedisCache{
		ctx:    ctx,
		logger: logger,
		config: redisConfig,
	}

	cache.client = redis.NewClient(&redis.Options{
		Addr:         redisConfig.Host + ":" + strconv.Itoa(redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConfig.DialTimeout)
	defer cancel()
	if err := cache.client.Ping(pingCtx).Err(); err != nil {
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	return cache, nil
}

func (r *RedisCache) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	result, err := r.client.Get(r.ctx, r.fullKey(key)).Result()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Error("failed to get cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var entry redisEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Error("failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, r.fullKey(key))
		return nil, false
	}

	if entry.Response != nil {
		return entry.Response, true
	}
	return entry.Value, true
}

func (r *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	entry := &redisEntry{
		Key:       key,
		CreatedAt: time.Now(),
	}
	if resp, ok := value.(*types.CachedResponse); ok {
		entry.Response = resp
	} else {
		entry.Value = value
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := r.client.Set(r.ctx, r.fullKey(key), data, ttl).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "set %s: %v", key, err)
	}
	return nil
}

func (r *RedisCache) Delete(key string) error {
	if key == "" {
		return nil
	}

	if err := r.client.Del(r.ctx, r.fullKey(key)).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", key, err)
	}
	return nil
}

// Invalidate bumps the stored revision of each key and deletes the
// responses registered against it.
func (r *RedisCache) Invalidate(keys ...string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}

		if err := r.client.Incr(r.ctx, r.revisionKey(key)).Err(); err != nil {
			return types.Errorf(types.ErrCacheOperationFailed, "invalidate %s: %v", key, err)
		}

		depKey := r.dependencyKey(key)
		dependents, err := r.client.SMembers(r.ctx, depKey).Result()
		if err != nil && !types.IsError(err, redis.Nil) {
			return types.Errorf(types.ErrCacheOperationFailed, "invalidate %s: %v", key, err)
		}

		for _, dependent := range dependents {
			if err := r.client.Del(r.ctx, r.fullKey(dependent)).Err(); err != nil {
				r.logger.Error("failed to delete dependent cache key",
					zap.String("key", dependent), zap.Error(err))
			}
		}
		r.client.Del(r.ctx, depKey)
	}
	return nil
}

func (r *RedisCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	buf := make([]byte, 0, len(requestPath)+len(dependencies)*20+len(metadata)*30)
	buf = append(buf, requestPath...)

	for _, dep := range dependencies {
		revision, err := r.client.Get(r.ctx, r.revisionKey(dep)).Uint64()
		if err != nil && !types.IsError(err, redis.Nil) {
			r.logger.Error("failed to read revision", zap.String("key", dep), zap.Error(err))
		}

		buf = append(buf, '|')
		buf = append(buf, dep...)
		buf = append(buf, '|')
		buf = strconv.AppendUint(buf, revision, 10)
	}

	for key, value := range metadata {
		buf = append(buf, '|')
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, value...)
	}

	cacheKey := utils.BytesToString(buf)

	for _, dep := range dependencies {
		if err := r.client.SAdd(r.ctx, r.dependencyKey(dep), cacheKey).Err(); err != nil {
			r.logger.Error("failed to register dependency",
				zap.String("key", dep), zap.Error(err))
		}
	}

	return cacheKey
}

func (r *RedisCache) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	r.logger.Info("Redis cache started",
		zap.String("addr", r.config.Host+":"+strconv.Itoa(r.config.Port)))
	return nil
}

func (r *RedisCache) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}
	r.logger.Info("Redis cache stopped")
	return nil
}

func (r *RedisCache) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisCache) fullKey(key string) string {
	return r.config.KeyPrefix + ":cache:" + key
}

func (r *RedisCache) revisionKey(key string) string {
	return r.config.KeyPrefix + ":rev:" + key
}

func (r *RedisCache) dependencyKey(key string) string {
	return r.config.KeyPrefix + ":dep:" + key
}
