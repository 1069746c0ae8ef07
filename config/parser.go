package config

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dispatchkit/dispatchkit/types"
)

// Parser answers dot-path queries ("server.http.port") against the
// loaded configuration. It works on a generic yaml re-marshal of the
// typed config so queries are not limited to struct fields.
type Parser struct {
	root map[string]interface{}
}

func NewParser(config *types.ServiceConfig) (*Parser, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal config")
	}

	var root map[string]interface{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal config")
	}

	return &Parser{root: root}, nil
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	value, found := p.navigate(path)
	if !found {
		return defaultValue
	}
	return value
}

func (p *Parser) GetAs(path string, target interface{}) error {
	value, found := p.navigate(path)
	if !found {
		return types.Errorf(types.ErrConfigNotFound, "path %q", path)
	}

	data, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal value at "+path)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return types.WrapError(err, "failed to unmarshal value at "+path)
	}
	return nil
}

func (p *Parser) navigate(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = p.root
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}
			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}
