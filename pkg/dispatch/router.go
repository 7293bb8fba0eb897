package dispatch

import (
	"context"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// MaxDepth is the deepest route path accepted.
const MaxDepth = 8

var reservedSegments = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Router resolves full dotted paths to handlers. It is immutable once built.
type Router struct {
	routes map[string]capability.Handler
}

// Build flattens a route tree.
func Build(routes capability.Routes) (*Router, error) {
	r := &Router{routes: make(map[string]capability.Handler)}
	if err := r.add(nil, routes); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) add(prefix []string, routes map[string]interface{}) error {
	for name, node := range routes {
		path := append(prefix[:len(prefix):len(prefix)], name)
		if err := validatePath(path); err != nil {
			return err
		}
		key := strings.Join(path, ".")

		switch v := node.(type) {
		case capability.Handler:
			r.routes[key] = v
		case func(context.Context, json.RawMessage) (interface{}, error):
			r.routes[key] = v
		case capability.Routes:
			if err := r.add(path, v); err != nil {
				return err
			}
		case map[string]interface{}:
			if err := r.add(path, v); err != nil {
				return err
			}
		default:
			return errors.Newf(errors.ErrorTypeConfig, "route %q is neither a handler nor a route group (%T)", key, node)
		}
	}
	return nil
}

// Resolve returns the handler registered under path.
func (r *Router) Resolve(path []string) (capability.Handler, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	h, ok := r.routes[strings.Join(path, ".")]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no handler for %q", strings.Join(path, "."))
	}
	return h, nil
}

// Paths returns every registered path in sorted order.
func (r *Router) Paths() []string {
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ParsePath splits a dotted name into segments.
func ParsePath(name string) []string {
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}

func validatePath(path []string) error {
	if len(path) == 0 {
		return errors.New(errors.ErrorTypeValidation, "empty route path")
	}
	if len(path) > MaxDepth {
		return errors.Newf(errors.ErrorTypeValidation, "route path deeper than %d segments", MaxDepth)
	}
	for _, seg := range path {
		if seg == "" {
			return errors.New(errors.ErrorTypeValidation, "empty route segment")
		}
		if reservedSegments[seg] || strings.HasPrefix(seg, "_") || strings.Contains(seg, ".") {
			return errors.Newf(errors.ErrorTypeValidation, "reserved route segment %q", seg)
		}
	}
	return nil
}
