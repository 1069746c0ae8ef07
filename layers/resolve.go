package layers

import (
	"sort"

	"github.com/dispatchkit/dispatchkit/types"
)

const defaultStatus = 200

// Resolve collapses a layer chain (outermost first) into the single
// effective configuration a route runs with. The merge happens once at
// registration time, so request handling never walks the chain.
//
// Merge rules per field family:
//   - guards and middleware names accumulate outer to inner, duplicates kept
//   - single values (hooks, status, body limit, timeout, cache, skip-guards)
//     take the innermost layer that sets them
//   - keyed collections (dependencies, headers, cookies) merge per key,
//     inner layers overriding outer ones
//   - exception handlers are ordered innermost layer first, one handler
//     per error kind
func Resolve(chain types.LayerChain) (*types.EffectiveConfig, error) {
	for _, layer := range chain {
		if err := validateLayer(layer); err != nil {
			return nil, err
		}
	}

	cfg := &types.EffectiveConfig{
		Dependencies: make(map[string]*types.Dependency),
		Headers:      make(map[string]string),
		Cookies:      make(map[string]string),
		Status:       defaultStatus,
	}

	for _, layer := range chain {
		cfg.Guards = append(cfg.Guards, layer.Guards...)
		cfg.MiddlewareNames = append(cfg.MiddlewareNames, layer.Middlewares...)

		for name, dep := range layer.Dependencies {
			cfg.Dependencies[name] = dep
		}
		for name, value := range layer.Headers {
			cfg.Headers[name] = value
		}
		for name, value := range layer.Cookies {
			cfg.Cookies[name] = value
		}

		if layer.BeforeRequest != nil {
			cfg.BeforeRequest = layer.BeforeRequest
		}
		if layer.AfterRequest != nil {
			cfg.AfterRequest = layer.AfterRequest
		}
		if layer.AfterResponse != nil {
			cfg.AfterResponse = layer.AfterResponse
		}
		if layer.Status != nil {
			cfg.Status = *layer.Status
		}
		if layer.BodyLimit != nil {
			cfg.BodyLimit = *layer.BodyLimit
		}
		if layer.Timeout != nil {
			cfg.Timeout = *layer.Timeout
		}
		if layer.Cache != nil {
			cfg.Cache = layer.Cache
		}
		if layer.SkipGuards != nil {
			cfg.SkipGuards = *layer.SkipGuards
		}
	}

	cfg.ExceptionHandlers = flattenExceptionHandlers(chain)

	order, err := resolveOrder(cfg.Dependencies)
	if err != nil {
		return nil, err
	}
	cfg.ResolveOrder = order

	return cfg, nil
}

func validateLayer(layer *types.Layer) error {
	if layer == nil {
		return types.Errorf(types.ErrLayerInvalid, "nil layer in chain")
	}
	for i, guard := range layer.Guards {
		if guard == nil {
			return types.Errorf(types.ErrLayerInvalid, "layer %q: guard %d is nil", layer.Name, i)
		}
	}
	for name, dep := range layer.Dependencies {
		if dep == nil || dep.Provide == nil {
			return types.Errorf(types.ErrLayerInvalid, "layer %q: dependency %q has no provider", layer.Name, name)
		}
	}
	for i, mapping := range layer.ExceptionHandlers {
		if mapping.Kind == nil || mapping.Handler == nil {
			return types.Errorf(types.ErrLayerInvalid, "layer %q: exception mapping %d is incomplete", layer.Name, i)
		}
	}
	return nil
}

// flattenExceptionHandlers orders mappings innermost layer first so an
// error walk finds the most specific handler before the app-level
// fallback. Only the innermost mapping per kind is kept.
func flattenExceptionHandlers(chain types.LayerChain) []types.ExceptionMapping {
	var flat []types.ExceptionMapping
	seen := make(map[error]struct{})

	for i := len(chain) - 1; i >= 0; i-- {
		for _, mapping := range chain[i].ExceptionHandlers {
			if _, exists := seen[mapping.Kind]; exists {
				continue
			}
			seen[mapping.Kind] = struct{}{}
			flat = append(flat, mapping)
		}
	}
	return flat
}

// resolveOrder runs Kahn's algorithm over the merged dependency set.
// Names are visited in sorted order so the result is stable between
// builds. Unknown requirements and cycles are registration-time errors.
func resolveOrder(deps map[string]*types.Dependency) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for _, name := range names {
		dep := deps[name]
		indegree[name] += 0
		for _, req := range dep.Requires {
			if _, exists := deps[req]; !exists {
				return nil, types.Errorf(types.ErrDependencyNotFound,
					"dependency %q requires unknown %q", name, req)
			}
			indegree[name]++
			dependents[req] = append(dependents[req], name)
		}
	}

	var ready []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(deps) {
		var stuck []string
		for _, name := range names {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, types.Errorf(types.ErrDependencyCycle,
			"dependency cycle involving %v", stuck)
	}

	return order, nil
}
