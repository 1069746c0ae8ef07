package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

type Logging struct {
	config        types.ConfigManager
	logger        types.Logger
	metrics       types.MetricsManager
	loggingConfig *LoggingConfig
	name          string
	weight        int
}

type LoggingConfig struct {
	// SkipPaths lists request paths excluded from access logging,
	// typically health and metrics endpoints.
	SkipPaths []string `json:"skip_paths"`
	SlowMs    int64    `json:"slow_ms"`
}

func NewLogging(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *Logging {
	loggingConfig := &LoggingConfig{
		SlowMs: 1000,
	}

	if params := config.GetConfig().Middlewares.Logging.Params; params != nil {
		if err := utils.UnmarshalConfig(params, loggingConfig); err != nil {
			logger.Error("Failed to unmarshal logging middleware config", zap.Error(err))
		}
	}

	return &Logging{
		name:          "logging",
		weight:        config.GetConfig().Middlewares.Logging.Weight,
		config:        config,
		logger:        logger,
		metrics:       metrics,
		loggingConfig: loggingConfig,
	}
}

func (l *Logging) Name() string { return l.name }
func (l *Logging) Weight() int  { return l.weight }

func (l *Logging) Handle(ctx *types.ConnectionContext, next func(*types.ConnectionContext) error) error {
	for _, skip := range l.loggingConfig.SkipPaths {
		if ctx.Conn.Path == skip {
			return next(ctx)
		}
	}

	start := time.Now()
	err := next(ctx)
	elapsed := time.Since(start)

	status := 0
	if ctx.Response != nil {
		status = ctx.Response.Status
	}

	fields := []zap.Field{
		zap.String("request_id", ctx.RequestID),
		zap.String("method", ctx.Conn.Method),
		zap.String("path", ctx.Conn.Path),
		zap.Int("status", status),
		zap.Duration("duration", elapsed),
		zap.String("remote_addr", ctx.Conn.RemoteAddr),
	}

	switch {
	case err != nil:
		l.logger.Error("request", append(fields, zap.Error(err))...)
	case elapsed > time.Duration(l.loggingConfig.SlowMs)*time.Millisecond:
		l.logger.Warn("slow request", fields...)
	default:
		l.logger.Info("request", fields...)
	}

	return err
}
