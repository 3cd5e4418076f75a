package router

import (
	"errors"
	"fmt"

	"github.com/vango-dev/datarouter/pkg/route"
)

// Sentinel errors.
var (
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("router: disposed")

	// ErrNextCalledTwice is raised when a middleware calls next more than once.
	ErrNextCalledTwice = errors.New("router: middleware called next() more than once")

	// ErrResolveNotCalled is raised when a data strategy returns without
	// resolving a match that should load.
	ErrResolveNotCalled = errors.New("router: data strategy did not call resolve()")

	// ErrInstrumentationReentry is returned to an instrumentation wrapper
	// that invokes its inner function a second time.
	ErrInstrumentationReentry = errors.New("router: instrumented function called more than once")

	// ErrNoRouteMatch is wrapped by the 404 raised when nothing matches.
	ErrNoRouteMatch = errors.New("router: no route matches location")

	// ErrMethodNotAllowed is wrapped by the 405 raised when a submission
	// targets a route without an action.
	ErrMethodNotAllowed = errors.New("router: method not allowed")

	// ErrNotFound is returned by Fetch when routeID is not in the tree.
	ErrNotFound = errors.New("router: not found")

	// ErrInvalidPatchAnchor is returned by PatchRoutes for unknown anchors.
	ErrInvalidPatchAnchor = route.ErrInvalidPatchAnchor
)

// ErrorResponse is the typed error the router stores for 4xx/5xx outcomes.
type ErrorResponse = route.ErrorResponse

// LazyError reports a failed lazy route resolution.
type LazyError = route.LazyError

// MiddlewareError attributes a middleware contract violation to the route
// that declared the middleware.
type MiddlewareError struct {
	RouteID string
	Err     error
}

func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("router: middleware on route %q: %v", e.RouteID, e.Err)
}

func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// DataStrategyError reports a failed or misbehaving data strategy. RouteID
// names the first match that was not resolved, if that was the failure.
type DataStrategyError struct {
	RouteID string
	Err     error
}

func (e *DataStrategyError) Error() string {
	if e.RouteID != "" {
		return fmt.Sprintf("router: data strategy: match %q: %v", e.RouteID, e.Err)
	}
	return fmt.Sprintf("router: data strategy: %v", e.Err)
}

func (e *DataStrategyError) Unwrap() error {
	return e.Err
}

// DiscoveryError wraps an error returned by PatchRoutesOnNavigation.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("router: route discovery for %q: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// RedirectError describes a redirect the router could not follow itself,
// such as one to another origin or one requesting a document reload.
type RedirectError struct {
	Location       string
	Status         int
	Replace        bool
	ReloadDocument bool
	External       bool
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("router: redirect %d to %s", e.Status, e.Location)
}

// HandlerPanicError is the handler error produced when a loader, action,
// middleware or lazy thunk panics.
type HandlerPanicError struct {
	RouteID string
	Value   any
	Stack   []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("router: panic in route %q: %v", e.RouteID, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *HandlerPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
