package matcher

import (
	"strings"

	"github.com/dispatchkit/dispatchkit/types"
)

// ParseTemplate turns "/user/{id:int}/files/{rest:path}" into a typed
// template. Parameters are declared as {name} or {name:kind}; a bare
// {name} captures a string. Parse failures are build-time fatal.
func ParseTemplate(raw string) (*types.PathTemplate, error) {
	if raw == "" || raw[0] != '/' {
		return nil, types.Errorf(types.ErrTemplateInvalid, "template %q must start with '/'", raw)
	}

	template := &types.PathTemplate{Raw: raw}

	if raw == "/" {
		return template, nil
	}

	seen := make(map[string]struct{}, 4)
	parts := strings.Split(strings.TrimPrefix(raw, "/"), "/")

	for i, part := range parts {
		if part == "" {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q has an empty segment", raw)
		}
		if template.HasRemainder {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q declares segments after a path parameter", raw)
		}

		if part[0] != '{' {
			if strings.ContainsAny(part, "{}") {
				return nil, types.Errorf(types.ErrTemplateInvalid, "template %q has a malformed segment %q", raw, part)
			}
			template.Segments = append(template.Segments, types.Segment{Literal: part})
			continue
		}

		if part[len(part)-1] != '}' || len(part) < 3 {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q has a malformed parameter %q", raw, part)
		}

		name, annotation := splitParam(part[1 : len(part)-1])
		if name == "" {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q has an unnamed parameter", raw)
		}
		if _, dup := seen[name]; dup {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q declares parameter %q twice", raw, name)
		}
		seen[name] = struct{}{}

		kind, ok := types.ParamKindFromString(annotation)
		if !ok {
			return nil, types.Errorf(types.ErrTemplateInvalid, "template %q uses unknown parameter type %q", raw, annotation)
		}
		if kind == types.ParamRemainder {
			if i != len(parts)-1 {
				return nil, types.Errorf(types.ErrTemplateInvalid, "template %q: path parameter must be the last segment", raw)
			}
			template.HasRemainder = true
		}

		template.Segments = append(template.Segments, types.Segment{
			Param: &types.ParamSpec{Name: name, Kind: kind},
		})
		template.ParamCount++
	}

	return template, nil
}

func splitParam(spec string) (name, annotation string) {
	if idx := strings.IndexByte(spec, ':'); idx >= 0 {
		return strings.TrimSpace(spec[:idx]), strings.TrimSpace(spec[idx+1:])
	}
	return strings.TrimSpace(spec), ""
}
