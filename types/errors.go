package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrRouteNotFound    = errors.New("route not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrAmbiguousRoute   = errors.New("ambiguous route")
	ErrTemplateInvalid  = errors.New("template invalid")
	ErrMethodUnknown    = errors.New("method unknown")
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrRequestCancelled = errors.New("request cancelled")
)

var (
	ErrLayerInvalid       = errors.New("layer invalid")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrDependencyNotFound = errors.New("dependency not found")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrCleanupFailed      = errors.New("cleanup failed")
	ErrHandlerIsNil       = errors.New("handler is nil")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
)

var (
	ErrMiddlewareNotFound    = errors.New("middleware not found")
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrMiddlewareExists      = errors.New("middleware exists")
)

var (
	ErrCacheNotFound         = errors.New("cache not found")
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheOperationFailed  = errors.New("cache operation failed")
	ErrCacheIsDisabled       = errors.New("cache manager is disabled")
)

var (
	ErrMetricsTypeUnknown   = errors.New("metrics type unknown")
	ErrMetricsStartFailed   = errors.New("metrics start failed")
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
	ErrMetricsIsDisabled    = errors.New("metrics manager is disabled")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrHealthNotRunning   = errors.New("health manager is not running")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentNotFound    = errors.New("component not found")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOperationFailed  = errors.New("operation failed")
	ErrInternalError    = errors.New("internal error")
	ErrContextCancelled = errors.New("context cancelled")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// FieldError describes a single failed path or query parameter coercion.
type FieldError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (fe FieldError) Error() string {
	return fmt.Sprintf("%s=%q: %s", fe.Field, fe.Value, fe.Message)
}

// ValidationError aggregates every failed field so a response can report
// all of them at once instead of stopping at the first.
type ValidationError struct {
	Fields []FieldError
}

func (ve *ValidationError) Error() string {
	if len(ve.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(ve.Fields))
	for _, fe := range ve.Fields {
		parts = append(parts, fe.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (ve *ValidationError) Unwrap() error { return ErrValidation }

func (ve *ValidationError) Add(field, value, message string) {
	ve.Fields = append(ve.Fields, FieldError{Field: field, Value: value, Message: message})
}

func (ve *ValidationError) HasErrors() bool { return len(ve.Fields) > 0 }

// MethodNotAllowedError carries the methods the matched path does accept,
// so the dispatcher can emit an Allow header alongside the 405.
type MethodNotAllowedError struct {
	Method  string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method not allowed: %s (allowed: %s)", e.Method, strings.Join(e.Allowed, ", "))
}

func (e *MethodNotAllowedError) Unwrap() error { return ErrMethodNotAllowed }
