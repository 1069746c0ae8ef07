package types

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stage identifies where a request is in its lifecycle. Stages advance
// strictly in declaration order; any stage may divert to StageException.
type Stage uint8

const (
	StageReceived Stage = iota
	StageRouteMatched
	StageGuardsEvaluated
	StageDependenciesResolved
	StageBeforeRequestRun
	StageHandlerInvoked
	StageAfterRequestRun
	StageResponseResolved
	StageSent
	StageAfterResponseRun
	StageTerminal
	StageException
)

var stageNames = map[Stage]string{
	StageReceived:             "received",
	StageRouteMatched:         "route_matched",
	StageGuardsEvaluated:      "guards_evaluated",
	StageDependenciesResolved: "dependencies_resolved",
	StageBeforeRequestRun:     "before_request_run",
	StageHandlerInvoked:       "handler_invoked",
	StageAfterRequestRun:      "after_request_run",
	StageResponseResolved:     "response_resolved",
	StageSent:                 "sent",
	StageAfterResponseRun:     "after_response_run",
	StageTerminal:             "terminal",
	StageException:            "exception_caught",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

type CleanupFunc func() error

// ConnectionContext is the per-request mutable state. It is created when
// a request enters the dispatcher and destroyed at the end; it is never
// shared between requests.
type ConnectionContext struct {
	Context   context.Context
	RequestID string
	Conn      *ConnectionDescriptor
	Logger    Logger
	Codec     Codec

	Route     *Route
	RawParams map[string]string
	Params    map[string]interface{}

	Response *ResponseDescriptor

	stage     Stage
	exception error
	sent      bool
	cancel    context.CancelFunc

	bodyRead bool
	bodyRaw  []byte

	depMu sync.Mutex
	deps  map[string]interface{}

	cleanupMu sync.Mutex
	cleanups  []CleanupFunc

	valMu  sync.RWMutex
	values map[string]interface{}
}

func NewConnectionContext(ctx context.Context, conn *ConnectionDescriptor) *ConnectionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ConnectionContext{
		Context: ctx,
		Conn:    conn,
		stage:   StageReceived,
	}
}

func (c *ConnectionContext) Stage() Stage { return c.stage }

func (c *ConnectionContext) SetStage(stage Stage) { c.stage = stage }

func (c *ConnectionContext) SetException(err error) {
	c.exception = err
	c.stage = StageException
}

func (c *ConnectionContext) Exception() error { return c.exception }

func (c *ConnectionContext) MarkSent() { c.sent = true }

// DeferCancel stores the cancel func of the request-scoped context so
// it outlives the handler. Releasing earlier would hand after-response
// hooks and cleanups an already-cancelled context.
func (c *ConnectionContext) DeferCancel(cancel context.CancelFunc) { c.cancel = cancel }

// ReleaseContext cancels the request-scoped context. Runs once, at the
// very end of the lifecycle.
func (c *ConnectionContext) ReleaseContext() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *ConnectionContext) WasSent() bool { return c.sent }

// Dependency returns a resolved dependency value by name. Values are
// memoized for the lifetime of this context only.
func (c *ConnectionContext) Dependency(name string) (interface{}, bool) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	if c.deps == nil {
		return nil, false
	}
	v, ok := c.deps[name]
	return v, ok
}

func (c *ConnectionContext) SetDependency(name string, value interface{}) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	if c.deps == nil {
		c.deps = make(map[string]interface{}, 8)
	}
	c.deps[name] = value
}

// PushCleanup registers a callback to run after the handler completes.
// Callbacks run in reverse registration order, on success, failure, and
// cancellation alike.
func (c *ConnectionContext) PushCleanup(fn CleanupFunc) {
	if fn == nil {
		return
	}
	c.cleanupMu.Lock()
	c.cleanups = append(c.cleanups, fn)
	c.cleanupMu.Unlock()
}

// RunCleanups executes the registered cleanups in LIFO order. Every
// cleanup runs even when an earlier one fails; failures are joined into
// a single error wrapping ErrCleanupFailed.
func (c *ConnectionContext) RunCleanups() error {
	c.cleanupMu.Lock()
	cleanups := c.cleanups
	c.cleanups = nil
	c.cleanupMu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return WrapError(errors.Join(errs...), ErrCleanupFailed.Error())
	}
	return nil
}

func (c *ConnectionContext) CleanupCount() int {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	return len(c.cleanups)
}

func (c *ConnectionContext) SetValue(key string, value interface{}) {
	c.valMu.Lock()
	if c.values == nil {
		c.values = make(map[string]interface{}, 4)
	}
	c.values[key] = value
	c.valMu.Unlock()
}

func (c *ConnectionContext) Value(key string) (interface{}, bool) {
	c.valMu.RLock()
	defer c.valMu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// BodyBytes reads the request body to completion and memoizes it, so
// handlers and hooks may read it more than once.
func (c *ConnectionContext) BodyBytes() ([]byte, error) {
	if c.bodyRead {
		return c.bodyRaw, nil
	}
	c.bodyRead = true
	if c.Conn == nil || c.Conn.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Conn.Body)
	if err != nil {
		return nil, WrapError(err, "failed to read request body")
	}
	c.bodyRaw = raw
	return raw, nil
}

// Bind decodes the request body into target through the configured
// codec. Structural and constraint failures come back as a
// *ValidationError, which the exception path maps to a 400.
func (c *ConnectionContext) Bind(target interface{}) error {
	if c.Codec == nil {
		return Errorf(ErrInternalError, "no codec configured")
	}
	raw, err := c.BodyBytes()
	if err != nil {
		return err
	}
	return c.Codec.Validate(raw, target)
}

// Param returns a coerced path parameter.
func (c *ConnectionContext) Param(name string) (interface{}, bool) {
	v, ok := c.Params[name]
	return v, ok
}

func (c *ConnectionContext) ParamString(name string) string {
	if v, ok := c.Params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.RawParams[name]
}

func (c *ConnectionContext) ParamInt(name string) (int64, bool) {
	v, ok := c.Params[name]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}
