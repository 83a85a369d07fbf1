package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wudi/appgate/internal/model"
)

var (
	// ErrNoRoute means no API route accepts the request.
	ErrNoRoute = errors.New("router: no matching route")
	// ErrAmbiguous means more than one API route accepts the request.
	// Declaration order never breaks the tie.
	ErrAmbiguous = errors.New("router: ambiguous route")
)

type segment struct {
	literal string
	param   string
}

// APIRoute is a compiled API route template.
type APIRoute struct {
	Summary model.ApiRouteSummary

	method   string // upper case, or MethodAny
	segments []segment
	catchAll string // name of a trailing {*name} segment
}

// APIMatch is the single route accepting a request.
type APIMatch struct {
	Route  *model.ApiRouteSummary
	Params map[string]string
}

// APITable matches method and path against an app's API routes.
type APITable struct {
	routes []*APIRoute
}

// CompileAPI compiles route templates. Templates use {name} for one
// segment and a trailing {*name} for the remainder of the path;
// literal segments compare case-insensitively.
func CompileAPI(routes []model.ApiRouteSummary) (*APITable, error) {
	t := &APITable{routes: make([]*APIRoute, 0, len(routes))}
	for i := range routes {
		r, err := compileTemplate(routes[i])
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, r)
	}
	return t, nil
}

func compileTemplate(s model.ApiRouteSummary) (*APIRoute, error) {
	r := &APIRoute{Summary: s, method: strings.ToUpper(s.Method)}
	if r.method == "" {
		r.method = model.MethodAny
	}

	parts := splitPath(s.Path)
	for i, p := range parts {
		if !strings.HasPrefix(p, "{") || !strings.HasSuffix(p, "}") {
			if strings.ContainsAny(p, "{}") {
				return nil, fmt.Errorf("router: route %s: malformed segment %q", s.ID, p)
			}
			r.segments = append(r.segments, segment{literal: p})
			continue
		}
		name := p[1 : len(p)-1]
		if strings.HasPrefix(name, "*") {
			if i != len(parts)-1 {
				return nil, fmt.Errorf("router: route %s: catch-all must be the last segment", s.ID)
			}
			name = name[1:]
			if name == "" {
				return nil, fmt.Errorf("router: route %s: empty catch-all name", s.ID)
			}
			r.catchAll = name
			continue
		}
		if name == "" {
			return nil, fmt.Errorf("router: route %s: empty parameter name", s.ID)
		}
		r.segments = append(r.segments, segment{param: name})
	}
	return r, nil
}

// Match returns the one route accepting method and path. It returns
// ErrNoRoute when none does and ErrAmbiguous when several do.
func (t *APITable) Match(method, path string) (*APIMatch, error) {
	method = strings.ToUpper(method)
	parts := splitPath(path)

	var (
		found   *APIMatch
		matches int
	)
	for _, r := range t.routes {
		if r.method != model.MethodAny && r.method != method {
			continue
		}
		params, ok := r.match(parts)
		if !ok {
			continue
		}
		matches++
		if found == nil {
			found = &APIMatch{Route: &r.Summary, Params: params}
		}
	}

	switch matches {
	case 0:
		return nil, ErrNoRoute
	case 1:
		return found, nil
	default:
		return nil, fmt.Errorf("%w: %s %s matches %d routes", ErrAmbiguous, method, path, matches)
	}
}

func (r *APIRoute) match(parts []string) (map[string]string, bool) {
	if r.catchAll == "" && len(parts) != len(r.segments) {
		return nil, false
	}
	if r.catchAll != "" && len(parts) < len(r.segments) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range r.segments {
		if seg.param == "" {
			if !strings.EqualFold(parts[i], seg.literal) {
				return nil, false
			}
			continue
		}
		if params == nil {
			params = make(map[string]string, len(r.segments))
		}
		params[seg.param] = parts[i]
	}
	if r.catchAll != "" {
		if params == nil {
			params = make(map[string]string, 1)
		}
		params[r.catchAll] = strings.Join(parts[len(r.segments):], "/")
	}
	return params, true
}

// splitPath splits a path into non-empty segments, so /a//b/ and /a/b
// are the same path.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	out := raw[:0]
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
