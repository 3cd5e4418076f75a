package route

import (
	"net/http"
	"net/url"
)

// HandlerArgs is passed to loaders and actions.
type HandlerArgs struct {
	// Request carries method, URL, headers and body. Its Context is the
	// call's cancellation token.
	Request *http.Request

	// Params are the dynamic segments of the match.
	Params map[string]string

	// Context is a read-only view of the call's router context.
	Context ContextReader
}

// LoaderFunc produces data for a route.
type LoaderFunc func(args HandlerArgs) (any, error)

// ActionFunc handles a mutation submitted to a route.
type ActionFunc func(args HandlerArgs) (any, error)

// MiddlewareArgs is passed to middleware.
type MiddlewareArgs struct {
	Request *http.Request
	Params  map[string]string

	// Context is the mutable router context shared by every middleware and
	// handler of the same call.
	Context *Context

	// RouteID is the route that declared the middleware.
	RouteID string
}

// NextFunc runs the remainder of the middleware chain and the handlers.
// It may be called at most once per middleware invocation.
type NextFunc func() (Results, error)

// MiddlewareFunc wraps handler execution. Returning nil results after calling
// next propagates next's results unchanged.
type MiddlewareFunc func(args MiddlewareArgs, next NextFunc) (Results, error)

// ShouldRevalidateArgs describes a potential revalidation.
type ShouldRevalidateArgs struct {
	CurrentURL    *url.URL
	CurrentParams map[string]string
	NextURL       *url.URL
	NextParams    map[string]string

	FormMethod  string
	FormAction  string
	FormEncType string
	FormData    url.Values
	JSON        any
	Text        string

	// ActionStatus is the status of the action that triggered the
	// revalidation, or zero.
	ActionStatus int
	ActionResult any

	// DefaultShouldRevalidate is what the router would decide on its own.
	DefaultShouldRevalidate bool
}

// ShouldRevalidateFunc lets a route override the default revalidation
// decision. Only a bool result overrides the default; any other value,
// including nil, defers to DefaultShouldRevalidate.
type ShouldRevalidateFunc func(args ShouldRevalidateArgs) any

// Route is a route definition. Treat routes as immutable once handed to
// NewTree.
type Route struct {
	// ID uniquely identifies the route. Derived from tree position when empty.
	ID string

	// Path is the pattern relative to the parent. Empty for pathless layouts.
	Path string

	// Index marks an index route (renders at the parent's exact path).
	Index bool

	// CaseSensitive makes static segments compare case-sensitively.
	CaseSensitive bool

	Children []*Route

	// HasErrorBoundary marks the route as a target for errors thrown at or
	// beneath it.
	HasErrorBoundary bool

	Loader           LoaderFunc
	Action           ActionFunc
	Middleware       []MiddlewareFunc
	ShouldRevalidate ShouldRevalidateFunc

	// Lazy supplies handler fields on demand.
	Lazy Lazy

	// Handle is arbitrary user metadata.
	Handle any

	lazy *lazyState
}

// HasPath reports whether the route contributes to the URL.
func (r *Route) HasPath() bool {
	return r.Path != ""
}

// EffectiveLoader returns the static loader or, failing that, the lazily
// resolved one.
func (r *Route) EffectiveLoader() LoaderFunc {
	if r.Loader != nil {
		return r.Loader
	}
	if m := r.resolved(); m != nil {
		return m.Loader
	}
	return nil
}

// EffectiveAction returns the static action or the lazily resolved one.
func (r *Route) EffectiveAction() ActionFunc {
	if r.Action != nil {
		return r.Action
	}
	if m := r.resolved(); m != nil {
		return m.Action
	}
	return nil
}

// EffectiveMiddleware returns the static middleware or the lazily resolved
// middleware.
func (r *Route) EffectiveMiddleware() []MiddlewareFunc {
	if len(r.Middleware) > 0 {
		return r.Middleware
	}
	if m := r.resolved(); m != nil {
		return m.Middleware
	}
	return nil
}

// EffectiveShouldRevalidate returns the static predicate or the lazily
// resolved one.
func (r *Route) EffectiveShouldRevalidate() ShouldRevalidateFunc {
	if r.ShouldRevalidate != nil {
		return r.ShouldRevalidate
	}
	if m := r.resolved(); m != nil {
		return m.ShouldRevalidate
	}
	return nil
}

// EffectiveHasErrorBoundary reports the static flag or the lazily resolved one.
func (r *Route) EffectiveHasErrorBoundary() bool {
	if r.HasErrorBoundary {
		return true
	}
	if m := r.resolved(); m != nil {
		return m.HasErrorBoundary
	}
	return false
}

// EffectiveHandle returns the static handle or the lazily resolved one.
func (r *Route) EffectiveHandle() any {
	if r.Handle != nil {
		return r.Handle
	}
	if m := r.resolved(); m != nil {
		return m.Handle
	}
	return nil
}

// HasLoader reports whether the route has, or may lazily provide, a loader.
func (r *Route) HasLoader() bool {
	return r.EffectiveLoader() != nil || r.MayProvide(FieldLoader)
}

// HasAction reports whether the route has, or may lazily provide, an action.
func (r *Route) HasAction() bool {
	return r.EffectiveAction() != nil || r.MayProvide(FieldAction)
}

// shallowCopy copies the definition, keeping the shared lazy state.
func (r *Route) shallowCopy() *Route {
	c := *r
	if r.Children != nil {
		c.Children = append([]*Route(nil), r.Children...)
	}
	return &c
}
