package lifecycle

import (
	"golang.org/x/sync/errgroup"

	"github.com/dispatchkit/dispatchkit/types"
)

// resolveDependencies runs the route's providers in topological waves:
// everything inside a wave has its requirements satisfied by earlier
// waves, so wave members run concurrently. Results are memoized on the
// context, one provider call per request.
func (e *Engine) resolveDependencies(ctx *types.ConnectionContext, cfg *types.EffectiveConfig) error {
	if len(cfg.ResolveOrder) == 0 {
		return nil
	}

	depth := make(map[string]int, len(cfg.ResolveOrder))
	maxDepth := 0
	for _, name := range cfg.ResolveOrder {
		d := 0
		for _, req := range cfg.Dependencies[name].Requires {
			if rd := depth[req]; rd+1 > d {
				d = rd + 1
			}
		}
		depth[name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	for wave := 0; wave <= maxDepth; wave++ {
		group, _ := errgroup.WithContext(ctx.Context)

		blocking := false
		for _, name := range cfg.ResolveOrder {
			if depth[name] == wave && cfg.Dependencies[name].Blocking {
				blocking = true
				break
			}
		}
		if blocking && e.workerLimit > 0 {
			group.SetLimit(e.workerLimit)
		}

		for _, name := range cfg.ResolveOrder {
			if depth[name] != wave {
				continue
			}
			if _, resolved := ctx.Dependency(name); resolved {
				continue
			}

			dep := cfg.Dependencies[name]
			group.Go(func() error {
				value, err := dep.Provide(ctx)
				if err != nil {
					return types.WrapError(err, "dependency "+dep.Name)
				}
				ctx.SetDependency(dep.Name, value)
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return err
		}
	}

	return nil
}
