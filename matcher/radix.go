package matcher

import (
	"strings"

	"github.com/dispatchkit/dispatchkit/types"
)

var methodIndex = map[string]uint8{
	"GET":     0,
	"POST":    1,
	"PUT":     2,
	"DELETE":  3,
	"PATCH":   4,
	"HEAD":    5,
	"OPTIONS": 6,
	"TRACE":   7,
}

var methodNames = [8]string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE"}

// routeNode is one level of the route tree. Each node owns its literal
// children plus at most one parameter child and at most one remainder
// child; differently-named or differently-typed parameters at the same
// position are rejected at registration time, which keeps matching
// deterministic without a type-precedence rule.
type routeNode struct {
	staticChildren map[string]*routeNode

	paramChild *routeNode
	paramName  string
	paramKind  types.ParamKind

	remainderChild *routeNode
	remainderName  string

	methodMask uint8
	routes     [8]*types.Route
}

func newRouteNode() *routeNode {
	return &routeNode{staticChildren: make(map[string]*routeNode)}
}

// clone deep-copies the subtree. Registration works on a clone and
// publishes it atomically, so in-flight lookups always see a consistent
// snapshot.
func (n *routeNode) clone() *routeNode {
	c := &routeNode{
		staticChildren: make(map[string]*routeNode, len(n.staticChildren)),
		paramName:      n.paramName,
		paramKind:      n.paramKind,
		remainderName:  n.remainderName,
		methodMask:     n.methodMask,
		routes:         n.routes,
	}
	for seg, child := range n.staticChildren {
		c.staticChildren[seg] = child.clone()
	}
	if n.paramChild != nil {
		c.paramChild = n.paramChild.clone()
	}
	if n.remainderChild != nil {
		c.remainderChild = n.remainderChild.clone()
	}
	return c
}

func (n *routeNode) insert(route *types.Route, methodIdx uint8) error {
	node := n

	for _, seg := range route.Template.Segments {
		switch {
		case !seg.IsParam():
			child, exists := node.staticChildren[seg.Literal]
			if !exists {
				child = newRouteNode()
				node.staticChildren[seg.Literal] = child
			}
			node = child

		case seg.Param.Kind == types.ParamRemainder:
			if node.remainderChild == nil {
				node.remainderChild = newRouteNode()
				node.remainderName = seg.Param.Name
			} else if node.remainderName != seg.Param.Name {
				return types.Errorf(types.ErrAmbiguousRoute,
					"path parameter {%s:path} conflicts with existing {%s:path} in %q",
					seg.Param.Name, node.remainderName, route.Template.Raw)
			}
			node = node.remainderChild

		default:
			if node.paramChild == nil {
				node.paramChild = newRouteNode()
				node.paramName = seg.Param.Name
				node.paramKind = seg.Param.Kind
			} else if node.paramName != seg.Param.Name || node.paramKind != seg.Param.Kind {
				return types.Errorf(types.ErrAmbiguousRoute,
					"parameter {%s:%s} conflicts with existing {%s:%s} in %q",
					seg.Param.Name, seg.Param.Kind, node.paramName, node.paramKind, route.Template.Raw)
			}
			node = node.paramChild
		}
	}

	if node.routes[methodIdx] != nil {
		return types.Errorf(types.ErrAmbiguousRoute,
			"%s %q already registered", route.Method, route.Template.Raw)
	}

	node.routes[methodIdx] = route
	node.methodMask |= 1 << methodIdx
	return nil
}

// matchProbe accumulates structural hits whose method did not match, so
// the caller can distinguish 405 from 404 after the search completes.
type matchProbe struct {
	structural  bool
	allowedMask uint8
}

// find descends the tree literal-first, falling back to the parameter
// child and then the remainder child when the deeper literal branch dead-
// ends. Captures added on a failed branch are removed before the next
// branch is tried.
func (n *routeNode) find(segments []string, index int, methodIdx uint8, params map[string]string, probe *matchProbe) *types.Route {
	if index >= len(segments) {
		if n.methodMask != 0 {
			probe.structural = true
			probe.allowedMask |= n.methodMask
		}
		return n.routes[methodIdx]
	}

	segment := segments[index]

	if child, exists := n.staticChildren[segment]; exists {
		if route := child.find(segments, index+1, methodIdx, params, probe); route != nil {
			return route
		}
	}

	if n.paramChild != nil {
		params[n.paramName] = segment
		if route := n.paramChild.find(segments, index+1, methodIdx, params, probe); route != nil {
			return route
		}
		delete(params, n.paramName)
	}

	if n.remainderChild != nil {
		if n.remainderChild.methodMask != 0 {
			probe.structural = true
			probe.allowedMask |= n.remainderChild.methodMask
		}
		if route := n.remainderChild.routes[methodIdx]; route != nil {
			params[n.remainderName] = strings.Join(segments[index:], "/")
			return route
		}
	}

	return nil
}

func allowedMethods(mask uint8) []string {
	allowed := make([]string, 0, 4)
	for idx, name := range methodNames {
		if mask&(1<<uint(idx)) != 0 {
			allowed = append(allowed, name)
		}
	}
	return allowed
}
