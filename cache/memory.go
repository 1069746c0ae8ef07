package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryCache is the in-process backend. Expired entries are swept on a
// cron schedule; writes beyond MaxEntries evict FIFO.
type MemoryCache struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *MemoryConfig
	logger types.Logger

	mu   sync.RWMutex
	data map[string]*types.CacheEntry

	revMu     sync.RWMutex
	revisions map[string]uint64

	depMu        sync.RWMutex
	dependencies map[string][]string

	hits      uint64
	misses    uint64
	evictions uint64

	state   atomic.Value
	sweeper *cron.Cron
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryCache{
		ctx:          cacheCtx,
		cancel:       cancel,
		logger:       logger,
		config:       memConfig,
		data:         make(map[string]*types.CacheEntry),
		revisions:    make(map[string]uint64),
		dependencies: make(map[string][]string),
	}

	cache.state.Store(MemoryStateStopped)

	return cache, nil
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		m.mu.RUnlock()

		m.mu.Lock()
		if entry, exists := m.data[key]; exists && now.After(entry.ExpiresAt) {
			m.removeDependenciesUnsafe(key, entry.Dependencies)
			delete(m.data, key)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)
	return value, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe()
		}
	}

	if oldEntry, exists := m.data[key]; exists {
		m.removeDependenciesUnsafe(key, oldEntry.Dependencies)
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists {
		m.removeDependenciesUnsafe(key, entry.Dependencies)
	}
	delete(m.data, key)
	return nil
}

// Invalidate bumps the revision of each key and drops every cached
// response built from it. Future BuildCacheKey calls embed the new
// revision, so stale keys can never be rebuilt.
func (m *MemoryCache) Invalidate(keys ...string) error {
	for _, key := range keys {
		m.revMu.Lock()
		m.revisions[key]++
		m.revMu.Unlock()

		if err := m.invalidateDependencies(key); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	buf := make([]byte, 0, len(requestPath)+len(dependencies)*20+len(metadata)*30)
	buf = append(buf, requestPath...)

	for _, dep := range dependencies {
		m.revMu.RLock()
		revision := m.revisions[dep]
		m.revMu.RUnlock()

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
	m.registerDependencies(cacheKey, dependencies)

	return cacheKey
}

func (m *MemoryCache) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval != "" {
		m.sweeper = cron.New()
		if _, err := m.sweeper.AddFunc("@every "+m.config.CleanupInterval, m.sweep); err != nil {
			m.setState(MemoryStateStopped)
			return types.WrapError(err, "invalid cleanup interval")
		}
		m.sweeper.Start()
	}

	m.logger.Info("Memory cache started")
	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	if m.sweeper != nil {
		stopCtx := m.sweeper.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cache sweeper stop timeout")
		}
	}

	m.mu.Lock()
	entries := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.mu.Unlock()

	m.revMu.Lock()
	m.revisions = make(map[string]uint64)
	m.revMu.Unlock()

	m.depMu.Lock()
	m.dependencies = make(map[string][]string)
	m.depMu.Unlock()

	m.logger.Info("Memory cache stopped", zap.Int("cleared_entries", entries))
	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryCache) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryCache) setState(newState MemoryState) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *MemoryCache) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryCache) sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for key, entry := range m.data {
		if !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		if entry := m.data[key]; entry != nil {
			m.removeDependenciesUnsafe(key, entry.Dependencies)
		}
		delete(m.data, key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Cache sweep completed", zap.Int("expired_entries", len(expired)))
	}
}

func (m *MemoryCache) evictOneUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		if entry := m.data[oldestKey]; entry != nil {
			m.removeDependenciesUnsafe(oldestKey, entry.Dependencies)
		}
		delete(m.data, oldestKey)
		atomic.AddUint64(&m.evictions, 1)
	}
}

func (m *MemoryCache) invalidateDependencies(dependencyKey string) error {
	m.depMu.RLock()
	dependentKeys := make([]string, len(m.dependencies[dependencyKey]))
	copy(dependentKeys, m.dependencies[dependencyKey])
	m.depMu.RUnlock()

	if len(dependentKeys) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, cacheKey := range dependentKeys {
		delete(m.data, cacheKey)
	}
	m.mu.Unlock()

	m.depMu.Lock()
	delete(m.dependencies, dependencyKey)
	m.depMu.Unlock()

	return nil
}

func (m *MemoryCache) registerDependencies(cacheKey string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	defer m.depMu.Unlock()

	for _, dep := range dependencies {
		found := false
		for _, existing := range m.dependencies[dep] {
			if existing == cacheKey {
				found = true
				break
			}
		}
		if !found {
			m.dependencies[dep] = append(m.dependencies[dep], cacheKey)
		}
	}

	m.mu.Lock()
	if entry, exists := m.data[cacheKey]; exists {
		entry.Dependencies = append([]string(nil), dependencies...)
	}
	m.mu.Unlock()
}

func (m *MemoryCache) removeDependenciesUnsafe(cacheKey string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	defer m.depMu.Unlock()

	for _, dep := range dependencies {
		dependents := m.dependencies[dep]
		for i, dependent := range dependents {
			if dependent == cacheKey {
				m.dependencies[dep] = append(dependents[:i], dependents[i+1:]...)
				break
			}
		}
		if len(m.dependencies[dep]) == 0 {
			delete(m.dependencies, dep)
		}
	}
}
