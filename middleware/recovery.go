package middleware

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

type Recovery struct {
	config         types.ConfigManager
	logger         types.Logger
	metrics        types.MetricsManager
	recoveryConfig *RecoveryConfig
	name           string
	weight         int
	stackBufPool   sync.Pool
	panicLabels    map[string]string
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecovery(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *Recovery {
	recoveryConfig := &RecoveryConfig{
		StackTrace: true,
	}

	if params := config.GetConfig().Middlewares.Recovery.Params; params != nil {
		if err := utils.UnmarshalConfig(params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal recovery middleware config", zap.Error(err))
		}
	}

	return &Recovery{
		name:           "recovery",
		weight:         config.GetConfig().Middlewares.Recovery.Weight,
		config:         config,
		logger:         logger,
		metrics:        metrics,
		recoveryConfig: recoveryConfig,
		stackBufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
		panicLabels: map[string]string{
			"middleware": "recovery",
		},
	}
}

func (r *Recovery) Name() string { return r.name }
func (r *Recovery) Weight() int  { return r.weight }

// Handle converts a panic below it into an ordinary error, so the
// exception path renders a 500 instead of the connection dying.
func (r *Recovery) Handle(ctx *types.ConnectionContext, next func(*types.ConnectionContext) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var stack string
			if r.recoveryConfig.StackTrace {
				stack = r.stackTrace()
			}
			r.logPanic(rec, stack, ctx)

			if r.metrics != nil {
				r.metrics.Counter("panics_recovered_total", r.panicLabels).Inc()
			}

			err = types.NewErrorf("panic: %v", rec)
		}
	}()

	return next(ctx)
}

func (r *Recovery) logPanic(rec interface{}, stack string, ctx *types.ConnectionContext) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.String("method", ctx.Conn.Method),
		zap.String("path", ctx.Conn.Path),
		zap.String("remote_addr", ctx.Conn.RemoteAddr),
		zap.String("request_id", ctx.RequestID),
	}
	if stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func (r *Recovery) stackTrace() string {
	buf := r.stackBufPool.Get().(*[]byte)
	defer r.stackBufPool.Put(buf)

	n := runtime.Stack(*buf, false)
	if n == len(*buf) {
		bigBuf := make([]byte, 65536)
		n = runtime.Stack(bigBuf, false)
		return utils.BytesToString(bigBuf[:n])
	}

	return string((*buf)[:n])
}
