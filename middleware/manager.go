package middleware

import (
	"context"
	"sort"
	"sync"

	"github.com/dispatchkit/dispatchkit/types"
)

const MaxMiddlewares = 64

// Manager is the middleware registry. Layers reference middleware by
// name; the engine resolves those names into a chain at request time.
// Registration order does not matter, the application defaults are
// ordered by weight.
type Manager struct {
	ctx     context.Context
	config  types.ConfigManager
	logger  types.Logger
	metrics types.MetricsManager
	cache   types.CacheManager

	mu       sync.RWMutex
	entries  map[string]*types.MiddlewareEntry
	defaults []string
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, cache types.CacheManager) (*Manager, error) {
	return &Manager{
		ctx:     ctx,
		config:  config,
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		entries: make(map[string]*types.MiddlewareEntry),
	}, nil
}

// RegisterDefaults registers the built-in middleware enabled in the
// service configuration and records them as the application defaults.
func (m *Manager) RegisterDefaults() error {
	cfg := m.config.GetConfig()
	if cfg.Middlewares == nil || !cfg.Middlewares.Enabled {
		return nil
	}

	type builtin struct {
		item   *types.MiddlewareItemConfig
		create func() types.Middleware
	}

	builtins := []builtin{
		{cfg.Middlewares.Recovery, func() types.Middleware { return NewRecovery(m.config, m.logger, m.metrics) }},
		{cfg.Middlewares.RequestID, func() types.Middleware { return NewRequestID(m.config, m.logger) }},
		{cfg.Middlewares.Logging, func() types.Middleware { return NewLogging(m.config, m.logger, m.metrics) }},
		{cfg.Middlewares.Compression, func() types.Middleware { return NewCompression(m.config, m.logger) }},
		{cfg.Middlewares.Cache, func() types.Middleware { return NewCache(m.config, m.logger, m.metrics, m.cache) }},
	}

	var registered []*types.MiddlewareEntry
	for _, b := range builtins {
		if b.item == nil || !b.item.Enabled {
			continue
		}
		mw := b.create()
		if err := m.Register(mw); err != nil {
			return err
		}
		m.mu.RLock()
		registered = append(registered, m.entries[mw.Name()])
		m.mu.RUnlock()
	}

	weights := make(map[int]string, len(registered))
	for _, entry := range registered {
		if other, exists := weights[entry.Weight]; exists {
			return types.NewErrorf("duplicate weight %d for middlewares %q and %q",
				entry.Weight, other, entry.Name)
		}
		weights[entry.Weight] = entry.Name
	}

	sort.Slice(registered, func(i, j int) bool {
		return registered[i].Weight < registered[j].Weight
	})

	m.mu.Lock()
	m.defaults = m.defaults[:0]
	for _, entry := range registered {
		m.defaults = append(m.defaults, entry.Name)
	}
	m.mu.Unlock()

	return nil
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.Errorf(types.ErrMiddlewareNotFound, "nil middleware")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()
	if _, exists := m.entries[name]; exists {
		return types.NewErrorf("middleware %q already registered", name)
	}

	m.entries[name] = &types.MiddlewareEntry{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
	}
	return nil
}

func (m *Manager) Lookup(name string) (types.Middleware, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.entries[name]
	if !exists {
		return nil, false
	}
	return entry.Middleware, true
}

// Chain resolves middleware names in order. An unknown name is an
// error: a route referencing middleware that was never registered is a
// wiring bug, not something to skip silently.
func (m *Manager) Chain(names []string) ([]types.Middleware, error) {
	if len(names) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := make([]types.Middleware, 0, len(names))
	for _, name := range names {
		entry, exists := m.entries[name]
		if !exists {
			return nil, types.Errorf(types.ErrMiddlewareNotFound, "%q", name)
		}
		chain = append(chain, entry.Middleware)
	}
	return chain, nil
}

func (m *Manager) Defaults() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.defaults))
	copy(out, m.defaults)
	return out
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*types.MiddlewareEntry)
	m.defaults = nil
}
