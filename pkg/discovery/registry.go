package discovery

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vango-dev/datarouter/pkg/route"
)

// ErrUnknownHandler is returned when a manifest names a handler that was
// never registered.
var ErrUnknownHandler = errors.New("discovery: unknown handler")

// Registry maps handler names used in manifests to Go functions. It is safe
// for concurrent use; registration methods return the registry for chaining.
type Registry struct {
	mu           sync.RWMutex
	loaders      map[string]route.LoaderFunc
	actions      map[string]route.ActionFunc
	middleware   map[string]route.MiddlewareFunc
	revalidators map[string]route.ShouldRevalidateFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		loaders:      make(map[string]route.LoaderFunc),
		actions:      make(map[string]route.ActionFunc),
		middleware:   make(map[string]route.MiddlewareFunc),
		revalidators: make(map[string]route.ShouldRevalidateFunc),
	}
}

// Loader registers a loader under name.
func (r *Registry) Loader(name string, fn route.LoaderFunc) *Registry {
	r.mu.Lock()
	r.loaders[name] = fn
	r.mu.Unlock()
	return r
}

// Action registers an action under name.
func (r *Registry) Action(name string, fn route.ActionFunc) *Registry {
	r.mu.Lock()
	r.actions[name] = fn
	r.mu.Unlock()
	return r
}

// Middleware registers a middleware under name.
func (r *Registry) Middleware(name string, fn route.MiddlewareFunc) *Registry {
	r.mu.Lock()
	r.middleware[name] = fn
	r.mu.Unlock()
	return r
}

// ShouldRevalidate registers a revalidation predicate under name.
func (r *Registry) ShouldRevalidate(name string, fn route.ShouldRevalidateFunc) *Registry {
	r.mu.Lock()
	r.revalidators[name] = fn
	r.mu.Unlock()
	return r
}

// Names lists the registered names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"loader":           keys(r.loaders),
		"action":           keys(r.actions),
		"middleware":       keys(r.middleware),
		"shouldRevalidate": keys(r.revalidators),
	}
}

// Build converts specs into route definitions, resolving every handler
// name.
func (r *Registry) Build(specs []RouteSpec) ([]*route.Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.build(specs)
}

func (r *Registry) build(specs []RouteSpec) ([]*route.Route, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]*route.Route, 0, len(specs))
	for _, s := range specs {
		rt := &route.Route{
			ID:               s.ID,
			Path:             s.Path,
			Index:            s.Index,
			CaseSensitive:    s.CaseSensitive,
			HasErrorBoundary: s.ErrorBoundary,
		}
		if len(s.Handle) > 0 {
			rt.Handle = s.Handle
		}

		name := s.ID
		if name == "" {
			name = s.Path
		}
		if s.Loader != "" {
			fn, ok := r.loaders[s.Loader]
			if !ok {
				return nil, fmt.Errorf("%w: loader %q on route %q", ErrUnknownHandler, s.Loader, name)
			}
			rt.Loader = fn
		}
		if s.Action != "" {
			fn, ok := r.actions[s.Action]
			if !ok {
				return nil, fmt.Errorf("%w: action %q on route %q", ErrUnknownHandler, s.Action, name)
			}
			rt.Action = fn
		}
		for _, mw := range s.Middleware {
			fn, ok := r.middleware[mw]
			if !ok {
				return nil, fmt.Errorf("%w: middleware %q on route %q", ErrUnknownHandler, mw, name)
			}
			rt.Middleware = append(rt.Middleware, fn)
		}
		if s.Revalidate != "" {
			fn, ok := r.revalidators[s.Revalidate]
			if !ok {
				return nil, fmt.Errorf("%w: shouldRevalidate %q on route %q", ErrUnknownHandler, s.Revalidate, name)
			}
			rt.ShouldRevalidate = fn
		}

		children, err := r.build(s.Children)
		if err != nil {
			return nil, err
		}
		rt.Children = children
		out = append(out, rt)
	}
	return out, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
