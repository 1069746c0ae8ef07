package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dispatchkit/dispatchkit/types"
)

const loadTimeout = 10 * time.Second

// ConfigurationManager owns the loaded configuration for the lifetime
// of the service. Load replaces the whole snapshot atomically, so
// readers never see a half-applied config.
type ConfigurationManager struct {
	configPath string
	loader     *Loader
	config     atomic.Pointer[types.ServiceConfig]
	parser     atomic.Pointer[Parser]
}

func NewManager(configPath string) *ConfigurationManager {
	return &ConfigurationManager{
		configPath: configPath,
		loader:     NewLoader(),
	}
}

// NewFromConfig wraps an already-built configuration, for embedded use
// where no file exists.
func NewFromConfig(config *types.ServiceConfig) (*ConfigurationManager, error) {
	manager := &ConfigurationManager{loader: NewLoader()}
	if err := manager.apply(config); err != nil {
		return nil, err
	}
	return manager, nil
}

func (m *ConfigurationManager) Load() error {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	config, err := m.loader.LoadFromFile(ctx, m.configPath)
	if err != nil {
		return types.WrapError(err, "config load")
	}

	return m.apply(config)
}

func (m *ConfigurationManager) apply(config *types.ServiceConfig) error {
	if err := m.loader.Validate(config); err != nil {
		return err
	}

	parser, err := NewParser(config)
	if err != nil {
		return err
	}

	m.config.Store(config)
	m.parser.Store(parser)
	return nil
}

func (m *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return m.config.Load()
}

func (m *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := m.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (m *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := m.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}
