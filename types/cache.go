package types

import (
	"time"
)

type CacheManager interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
	Invalidate(keys ...string) error
	BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)

// CacheEntry is the in-memory cache record. Dependencies lists the
// invalidation keys this entry was built from.
type CacheEntry struct {
	Key          string
	Value        interface{}
	TTL          time.Duration
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Dependencies []string
	Metadata     map[string]string
}

// CachedResponse is the stored form of a response served from cache.
type CachedResponse struct {
	Status    int               `json:"status"`
	Header    map[string]string `json:"header"`
	Body      []byte            `json:"body"`
	MediaType string            `json:"media_type"`
	StoredAt  time.Time         `json:"stored_at"`
}
