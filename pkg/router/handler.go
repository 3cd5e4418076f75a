package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/vango-dev/datarouter/pkg/route"
)

// callHandler runs the loader or action of m for p. A statically defined
// handler starts immediately while the route's remaining lazy fields resolve
// alongside it; a handler that only lazy resolution can supply waits for it.
func (r *Router) callHandler(ctx context.Context, p *phase, m route.Match) route.Result {
	rt := m.Route
	field := route.FieldLoader
	if p.kind == CallAction {
		field = route.FieldAction
	}

	static := staticHandler(rt, p.kind)
	if static != nil {
		var (
			wg      sync.WaitGroup
			lazyErr error
		)
		if rt.LazyPending() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lazyErr = r.resolveLazy(ctx, rt)
			}()
		}
		res := r.invokeHandler(ctx, p, m, static)
		wg.Wait()
		if lazyErr != nil && res.Type != route.ResultError {
			return errorResult(lazyErr)
		}
		return res
	}

	if rt.MayProvide(field) {
		if err := r.resolveLazy(ctx, rt, field); err != nil {
			return errorResult(err)
		}
	}

	var handler func(route.HandlerArgs) (any, error)
	if p.kind == CallAction {
		if fn := rt.EffectiveAction(); fn != nil {
			handler = fn
		}
	} else if fn := rt.EffectiveLoader(); fn != nil {
		handler = fn
	}
	if handler == nil {
		if p.kind == CallAction {
			return errorResult(methodNotAllowed(p.request, rt.ID))
		}
		return route.Result{Type: route.ResultData}
	}
	return r.invokeHandler(ctx, p, m, handler)
}

func staticHandler(rt *route.Route, kind CallKind) func(route.HandlerArgs) (any, error) {
	if kind == CallAction {
		if rt.Action != nil {
			return rt.Action
		}
		return nil
	}
	if rt.Loader != nil {
		return rt.Loader
	}
	return nil
}

// resolveLazy resolves lazy fields of rt under the lazy instrumentation.
func (r *Router) resolveLazy(ctx context.Context, rt *route.Route, fields ...string) error {
	info := CallInfo{Kind: CallLazy, RouteID: rt.ID}
	return r.instr.run(ctx, info, func() error {
		return rt.ResolveLazy(ctx, r.logger, fields...)
	})
}

func (r *Router) invokeHandler(ctx context.Context, p *phase, m route.Match, handler func(route.HandlerArgs) (any, error)) route.Result {
	args := route.HandlerArgs{
		Request: p.request,
		Params:  m.Params,
		Context: p.context.ReadOnly(),
	}
	info := CallInfo{
		Kind:       p.kind,
		RouteID:    m.Route.ID,
		Method:     p.request.Method,
		URL:        p.request.URL.String(),
		FetcherKey: p.fetcherKey,
		Context:    args.Context,
	}

	var (
		value any
		err   error
	)
	_ = r.instr.run(ctx, info, func() error {
		value, err = safeCall(m.Route.ID, func() (any, error) { return handler(args) })
		return err
	})
	return normalizeResult(value, err)
}

// safeCall runs fn, turning a panic into a HandlerPanicError.
func safeCall(routeID string, fn func() (any, error)) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = nil
			err = &HandlerPanicError{RouteID: routeID, Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// normalizeResult converts a handler's return values into a Result.
// Returned responses are data carrying their status; thrown non-redirect
// responses become ErrorResponses.
func normalizeResult(v any, err error) route.Result {
	if err != nil {
		return errorResult(err)
	}
	if resp, ok := v.(*route.Response); ok && resp != nil {
		if resp.IsRedirect() {
			return route.Result{Type: route.ResultData, Data: resp, Status: resp.Status, Header: resp.Header}
		}
		return route.Result{Type: route.ResultData, Data: resp.Data, Status: resp.Status, Header: resp.Header}
	}
	return route.Result{Type: route.ResultData, Data: v}
}

func errorResult(err error) route.Result {
	if resp, ok := route.AsRedirect(err); ok {
		return route.Result{Type: route.ResultError, Err: resp, Status: resp.Status, Header: resp.Header}
	}
	var resp *route.Response
	if errors.As(err, &resp) {
		er := route.NewErrorResponse(resp.Status, resp.Data)
		return route.Result{Type: route.ResultError, Err: er, Status: resp.Status, Header: resp.Header}
	}
	var er *route.ErrorResponse
	if errors.As(err, &er) {
		return route.Result{Type: route.ResultError, Err: err, Status: er.Status}
	}
	return route.Result{Type: route.ResultError, Err: err}
}

func methodNotAllowed(req *http.Request, routeID string) *route.ErrorResponse {
	er := route.NewErrorResponse(http.StatusMethodNotAllowed, nil)
	er.Internal = true
	er.Err = fmt.Errorf("%w: %s request to %q but route %q has no action",
		ErrMethodNotAllowed, req.Method, req.URL.Path, routeID)
	return er
}

func notFound(pathname string) *route.ErrorResponse {
	er := route.NewErrorResponse(http.StatusNotFound, nil)
	er.Internal = true
	er.Err = fmt.Errorf("%w: %q", ErrNoRouteMatch, pathname)
	return er
}
