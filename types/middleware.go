package types

type MiddlewareManager interface {
	Register(middleware Middleware) error
	Lookup(name string) (Middleware, bool)
	Chain(names []string) ([]Middleware, error)
	Defaults() []string
	Clear()
}

// Middleware wraps handler invocation. Layer-declared middleware runs
// cumulatively, outermost layer first, in declaration order; Weight only
// orders the application-level defaults.
type Middleware interface {
	Handle(ctx *ConnectionContext, next func(*ConnectionContext) error) error
	Name() string
	Weight() int
}

type MiddlewareEntry struct {
	Name       string
	Middleware Middleware
	Weight     int
}
