package types

import (
	"io"
	"strings"
)

// ConnectionDescriptor is the transport-agnostic view of an inbound
// request. Adapters (fasthttp, tests) build one per request; the core
// never touches the wire protocol beyond these fields.
type ConnectionDescriptor struct {
	Method string
	Path   string
	Query  string
	Header map[string]string
	// Body is the request body stream. ContentLength is -1 when the
	// transport did not declare a length.
	Body          io.Reader
	ContentLength int64
	RemoteAddr    string
}

func (cd *ConnectionDescriptor) HeaderValue(name string) string {
	if cd.Header == nil {
		return ""
	}
	if v, ok := cd.Header[name]; ok {
		return v
	}
	// header maps produced by adapters are canonical, but callers may
	// probe with arbitrary casing
	for k, v := range cd.Header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ResponseDescriptor is the transport-agnostic response the engine
// produces and adapters write back to the wire.
type ResponseDescriptor struct {
	Status    int
	Header    map[string]string
	Cookies   map[string]string
	Body      []byte
	MediaType string
}

func NewResponse(status int) *ResponseDescriptor {
	return &ResponseDescriptor{
		Status: status,
		Header: make(map[string]string),
	}
}

func (rd *ResponseDescriptor) SetHeader(name, value string) *ResponseDescriptor {
	if rd.Header == nil {
		rd.Header = make(map[string]string)
	}
	rd.Header[name] = value
	return rd
}

func (rd *ResponseDescriptor) SetCookie(name, value string) *ResponseDescriptor {
	if rd.Cookies == nil {
		rd.Cookies = make(map[string]string)
	}
	rd.Cookies[name] = value
	return rd
}

type Dispatcher interface {
	Handle(conn *ConnectionDescriptor) *ResponseDescriptor
}

// LifecycleManager is implemented by every startable component (server,
// cache, metrics, health, TLS). Start and Stop are not reentrant.
type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// LifecycleEngine runs a request through the lifecycle stages. Execute
// carries it up to a resolved response; Finalize runs after the adapter
// has written the response to the wire.
type LifecycleEngine interface {
	Execute(ctx *ConnectionContext) *ResponseDescriptor
	Finalize(ctx *ConnectionContext)
}
