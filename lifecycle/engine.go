package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
)

// Engine drives a connection through the request lifecycle: route match,
// guards, dependency resolution, hooks, handler invocation and response
// resolution. Errors at any stage divert into the exception path, which
// consults the layer-registered handlers before falling back to the
// default status mapping.
type Engine struct {
	matcher     types.PathMatcher
	middlewares types.MiddlewareManager
	codec       types.Codec
	logger      types.Logger

	// appConfig backs requests that never matched a route, so 404 and
	// 405 responses still honor application-level exception handlers.
	appConfig   *types.EffectiveConfig
	workerLimit int
}

func NewEngine(matcher types.PathMatcher, middlewares types.MiddlewareManager, codec types.Codec, appConfig *types.EffectiveConfig, workerLimit int, logger types.Logger) *Engine {
	if appConfig == nil {
		appConfig = &types.EffectiveConfig{Status: 200}
	}
	return &Engine{
		matcher:     matcher,
		middlewares: middlewares,
		codec:       codec,
		appConfig:   appConfig,
		workerLimit: workerLimit,
		logger:      logger,
	}
}

func (e *Engine) Execute(ctx *types.ConnectionContext) (resp *types.ResponseDescriptor) {
	defer func() {
		if r := recover(); r != nil {
			resp = e.handleException(ctx, e.configFor(ctx), fmt.Errorf("panic: %v", r))
		}
	}()

	ctx.Codec = e.codec

	match, err := e.matcher.Match(ctx.Conn.Method, ctx.Conn.Path)
	if err != nil {
		return e.handleException(ctx, e.appConfig, err)
	}

	ctx.Route = match.Route
	ctx.RawParams = match.RawParams
	ctx.SetStage(types.StageRouteMatched)

	cfg := match.Route.Config
	if cfg == nil {
		cfg = e.appConfig
	}

	if err := e.matcher.CoerceParams(match); err != nil {
		return e.handleException(ctx, cfg, err)
	}
	ctx.Params = match.Params

	if cfg.BodyLimit > 0 && ctx.Conn.ContentLength > cfg.BodyLimit {
		return e.handleException(ctx, cfg, types.Errorf(types.ErrPayloadTooLarge,
			"body of %d bytes exceeds limit %d", ctx.Conn.ContentLength, cfg.BodyLimit))
	}

	if cfg.Timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx.Context, cfg.Timeout)
		ctx.DeferCancel(cancel)
		ctx.Context = timeoutCtx
	}

	if !cfg.SkipGuards {
		for _, guard := range cfg.Guards {
			if err := guard(ctx); err != nil {
				return e.handleException(ctx, cfg, err)
			}
		}
	}
	ctx.SetStage(types.StageGuardsEvaluated)

	chain, err := e.middlewares.Chain(cfg.MiddlewareNames)
	if err != nil {
		return e.handleException(ctx, cfg, err)
	}

	if err := runChain(chain, ctx, func(ctx *types.ConnectionContext) error {
		return e.runCore(ctx, cfg)
	}); err != nil {
		return e.handleException(ctx, cfg, err)
	}

	return ctx.Response
}

// runCore is the innermost link of the middleware chain: dependencies,
// before-request hook, handler, response resolution, after-request hook.
func (e *Engine) runCore(ctx *types.ConnectionContext, cfg *types.EffectiveConfig) error {
	if err := ctx.Context.Err(); err != nil {
		return err
	}

	if err := e.resolveDependencies(ctx, cfg); err != nil {
		return err
	}
	ctx.SetStage(types.StageDependenciesResolved)

	if cfg.BeforeRequest != nil {
		if err := cfg.BeforeRequest(ctx); err != nil {
			return err
		}
	}
	ctx.SetStage(types.StageBeforeRequestRun)

	// a before-request hook that wrote a response short-circuits the handler
	if ctx.Response == nil {
		value, err := ctx.Route.Handler(ctx)
		if err != nil {
			return err
		}
		ctx.SetStage(types.StageHandlerInvoked)

		resp, err := e.resolveResponse(cfg, value)
		if err != nil {
			return err
		}
		ctx.Response = resp
	}

	if cfg.AfterRequest != nil {
		if err := cfg.AfterRequest(ctx); err != nil {
			return err
		}
	}
	ctx.SetStage(types.StageAfterRequestRun)

	ctx.SetStage(types.StageResponseResolved)
	return nil
}

// Finalize runs after the adapter has written the response: the
// after-response hook and the dependency cleanups, in that order.
// Failures here are logged, never sent.
func (e *Engine) Finalize(ctx *types.ConnectionContext) {
	ctx.MarkSent()
	ctx.SetStage(types.StageSent)

	cfg := e.configFor(ctx)
	if cfg.AfterResponse != nil {
		if err := cfg.AfterResponse(ctx); err != nil && e.logger != nil {
			e.logger.Error("after-response hook failed",
				zap.String("request_id", ctx.RequestID),
				zap.Error(err))
		}
	}
	ctx.SetStage(types.StageAfterResponseRun)

	if err := ctx.RunCleanups(); err != nil && e.logger != nil {
		e.logger.Error("dependency cleanup failed",
			zap.String("request_id", ctx.RequestID),
			zap.Error(err))
	}

	ctx.ReleaseContext()
	ctx.SetStage(types.StageTerminal)
}

func (e *Engine) configFor(ctx *types.ConnectionContext) *types.EffectiveConfig {
	if ctx.Route != nil && ctx.Route.Config != nil {
		return ctx.Route.Config
	}
	return e.appConfig
}

func (e *Engine) handleException(ctx *types.ConnectionContext, cfg *types.EffectiveConfig, err error) *types.ResponseDescriptor {
	ctx.SetException(err)

	if e.logger != nil {
		status := statusFor(err)
		fields := []zap.Field{
			zap.String("request_id", ctx.RequestID),
			zap.String("method", ctx.Conn.Method),
			zap.String("path", ctx.Conn.Path),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= 500 {
			e.logger.Error("request failed", fields...)
		} else {
			e.logger.Debug("request rejected", fields...)
		}
	}

	if resp := walkHandlers(ctx, cfg.ExceptionHandlers, err); resp != nil {
		ctx.Response = resp
		return resp
	}

	resp := e.defaultErrorResponse(err)
	ctx.Response = resp
	return resp
}

// runChain folds the middleware slice around the terminal function, so
// chain[0] sees the request first and the terminal runs innermost.
func runChain(chain []types.Middleware, ctx *types.ConnectionContext, terminal func(*types.ConnectionContext) error) error {
	next := terminal
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		inner := next
		next = func(ctx *types.ConnectionContext) error {
			return mw.Handle(ctx, inner)
		}
	}
	return next(ctx)
}
