package types

import (
	"time"
)

type LayerKind uint8

const (
	LayerApplication LayerKind = iota
	LayerRouter
	LayerController
	LayerHandler
)

var layerKindNames = map[LayerKind]string{
	LayerApplication: "application",
	LayerRouter:      "router",
	LayerController:  "controller",
	LayerHandler:     "handler",
}

func (k LayerKind) String() string {
	if name, ok := layerKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Guard authorizes a request before dependencies are resolved. A returned
// error wrapping ErrUnauthorized or ErrForbidden aborts the request.
type Guard func(ctx *ConnectionContext) error

// Hook runs at a fixed lifecycle point. Before-request hooks may short-
// circuit by writing a response into the context.
type Hook func(ctx *ConnectionContext) error

// ProviderFunc supplies one dependency value. Cleanup is registered via
// ctx.PushCleanup and runs LIFO after the handler completes.
type ProviderFunc func(ctx *ConnectionContext) (interface{}, error)

// Dependency declares a named provider and the names it requires. The
// graph is validated for cycles when the layer chain is resolved.
type Dependency struct {
	Name     string
	Requires []string
	Provide  ProviderFunc
	// Blocking marks a synchronous provider that may stall; the engine
	// bounds concurrent execution of blocking providers.
	Blocking bool
}

// ExceptionHandler converts a caught error into a response. Returning nil
// defers to the next registered handler.
type ExceptionHandler func(ctx *ConnectionContext, err error) *ResponseDescriptor

// ExceptionMapping binds a handler to an error kind. Kind is a sentinel
// error matched with errors.Is, so a handler registered for an ancestor
// kind also catches wrapped derivatives.
type ExceptionMapping struct {
	Kind    error
	Handler ExceptionHandler
}

type CachePolicy struct {
	Enabled bool
	Key     string
	TTL     time.Duration
	Deps    []string
}

// Layer is one level of declared configuration. Pointer-typed fields
// distinguish "not mentioned" from an explicit zero: a layer that leaves a
// field nil never overrides an outer layer's value.
type Layer struct {
	Kind LayerKind
	Name string

	Guards            []Guard
	Middlewares       []string
	Dependencies      map[string]*Dependency
	ExceptionHandlers []ExceptionMapping

	BeforeRequest Hook
	AfterRequest  Hook
	AfterResponse Hook

	Headers map[string]string
	Cookies map[string]string

	Status     *int
	BodyLimit  *int64
	Timeout    *time.Duration
	Cache      *CachePolicy
	SkipGuards *bool
}

// LayerChain is the ordered list of layers for one route, outermost
// (application) first. Built once, immutable, shared across requests.
type LayerChain []*Layer

// EffectiveConfig is the flattened view of a LayerChain after the merge
// rules have been applied once at build time.
type EffectiveConfig struct {
	Guards          []Guard
	MiddlewareNames []string
	Dependencies    map[string]*Dependency
	// ResolveOrder is a topological order over Dependencies, computed
	// during resolution so the engine never re-sorts per request.
	ResolveOrder []string
	// ExceptionHandlers are ordered innermost layer first; the first
	// mapping whose kind matches via errors.Is wins.
	ExceptionHandlers []ExceptionMapping

	BeforeRequest Hook
	AfterRequest  Hook
	AfterResponse Hook

	Headers map[string]string
	Cookies map[string]string

	Status     int
	BodyLimit  int64
	Timeout    time.Duration
	Cache      *CachePolicy
	SkipGuards bool
}
