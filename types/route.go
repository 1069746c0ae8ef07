package types

import (
	"strings"
)

// ParamKind is the declared type of a path parameter. Captured segments are
// coerced to the kind's Go value only after a full structural match, so a
// shape-correct but type-invalid path surfaces as a validation failure
// rather than a routing failure.
type ParamKind uint8

const (
	ParamString ParamKind = iota
	ParamInt
	ParamFloat
	ParamDecimal
	ParamUUID
	ParamDate
	ParamDateTime
	ParamTime
	ParamDuration
	// ParamRemainder consumes the rest of the path, slashes included.
	// Valid only as the final segment of a template.
	ParamRemainder
)

var paramKindNames = map[ParamKind]string{
	ParamString:    "str",
	ParamInt:       "int",
	ParamFloat:     "float",
	ParamDecimal:   "decimal",
	ParamUUID:      "uuid",
	ParamDate:      "date",
	ParamDateTime:  "datetime",
	ParamTime:      "time",
	ParamDuration:  "duration",
	ParamRemainder: "path",
}

func (k ParamKind) String() string {
	if name, ok := paramKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParamKindFromString resolves a template type annotation. The empty
// annotation defaults to str.
func ParamKindFromString(name string) (ParamKind, bool) {
	if name == "" {
		return ParamString, true
	}
	for kind, kindName := range paramKindNames {
		if kindName == name {
			return kind, true
		}
	}
	return ParamString, false
}

type ParamSpec struct {
	Name string
	Kind ParamKind
}

// Segment is one element of a parsed template: either a literal or a
// parameter capture. Param == nil means literal.
type Segment struct {
	Literal string
	Param   *ParamSpec
}

func (s Segment) IsParam() bool { return s.Param != nil }

type PathTemplate struct {
	Raw          string
	Segments     []Segment
	ParamCount   int
	HasRemainder bool
}

// Erased returns the template with parameter names and kinds removed.
// Two routes whose erased forms collide for the same method are ambiguous.
func (t *PathTemplate) Erased() string {
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteByte('/')
		if seg.IsParam() {
			if seg.Param.Kind == ParamRemainder {
				b.WriteByte('*')
			} else {
				b.WriteByte('?')
			}
		} else {
			b.WriteString(seg.Literal)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// Handler produces a response value for a matched request. The returned
// value is serialized by the codec unless it is already a
// *ResponseDescriptor.
type Handler func(ctx *ConnectionContext) (interface{}, error)

// Route is the immutable association between a method, a parsed template
// and a handler. Built once at application-assembly time; the resolved
// EffectiveConfig is cached on it so no per-request merging happens.
type Route struct {
	Method   string
	Template *PathTemplate
	Handler  Handler
	Chain    LayerChain
	Config   *EffectiveConfig
}

func (r *Route) Pattern() string {
	if r.Template == nil {
		return ""
	}
	return r.Template.Raw
}

// RouteMatch is the result of a structural match: the route plus the raw
// string captures. Params is populated by coercion.
type RouteMatch struct {
	Route     *Route
	RawParams map[string]string
	Params    map[string]interface{}
}

type PathMatcher interface {
	Register(method, template string, handler Handler, chain LayerChain, config *EffectiveConfig) (*Route, error)
	Match(method, path string) (*RouteMatch, error)
	CoerceParams(match *RouteMatch) error
	Routes() []*Route
}
