package router

import (
	"context"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/datarouter/pkg/route"
)

type middlewareEntry struct {
	routeID string
	index   int
	fn      route.MiddlewareFunc
}

// runPhase executes p inside the middleware of its matches, root first.
func (r *Router) runPhase(ctx context.Context, p *phase) route.Results {
	if idx, err := r.resolveLazyMiddleware(ctx, p.matches); err != nil {
		return thrownBeforeNext(p, idx, err)
	}

	var chain []middlewareEntry
	for i, m := range p.matches {
		for _, fn := range m.Route.EffectiveMiddleware() {
			if fn != nil {
				chain = append(chain, middlewareEntry{routeID: m.Route.ID, index: i, fn: fn})
			}
		}
	}
	if len(chain) == 0 {
		return r.callDataStrategy(ctx, p)
	}
	return r.runMiddleware(ctx, p, chain, 0)
}

// resolveLazyMiddleware waits for lazily supplied middleware. On failure it
// returns the index of the first failing match.
func (r *Router) resolveLazyMiddleware(ctx context.Context, matches []route.Match) (int, error) {
	errs := make([]error, len(matches))
	var g errgroup.Group
	for i, m := range matches {
		if !m.Route.MayProvide(route.FieldMiddleware) {
			continue
		}
		g.Go(func() error {
			errs[i] = r.resolveLazy(ctx, m.Route, route.FieldMiddleware)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			return i, err
		}
	}
	return -1, nil
}

func (r *Router) runMiddleware(ctx context.Context, p *phase, chain []middlewareEntry, i int) route.Results {
	if i == len(chain) {
		return r.callDataStrategy(ctx, p)
	}
	e := chain[i]

	var (
		mu         sync.Mutex
		calls      int
		downstream route.Results
	)
	next := func() (route.Results, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n > 1 {
			return nil, &MiddlewareError{RouteID: e.routeID, Err: ErrNextCalledTwice}
		}
		res := r.runMiddleware(ctx, p, chain, i+1)
		mu.Lock()
		downstream = res
		mu.Unlock()
		return maps.Clone(res), nil
	}

	args := route.MiddlewareArgs{
		Request: p.request,
		Context: p.context,
		RouteID: e.routeID,
	}
	if len(p.matches) > 0 {
		args.Params = p.matches[len(p.matches)-1].Params
	}
	info := CallInfo{
		Kind:       CallMiddleware,
		RouteID:    e.routeID,
		Method:     p.request.Method,
		URL:        p.request.URL.String(),
		FetcherKey: p.fetcherKey,
		Context:    p.context.ReadOnly(),
	}

	var out route.Results
	err := r.instr.run(ctx, info, func() error {
		_, err := safeCall(e.routeID, func() (any, error) {
			var err error
			out, err = e.fn(args, next)
			return nil, err
		})
		return err
	})

	mu.Lock()
	n, ds := calls, downstream
	mu.Unlock()

	if n > 1 {
		r.logger.Warn("middleware called next more than once", "route_id", e.routeID)
		err = &MiddlewareError{RouteID: e.routeID, Err: ErrNextCalledTwice}
	}
	if err != nil {
		if n == 0 {
			return thrownBeforeNext(p, e.index, err)
		}
		// Thrown while unwinding: keep what ran below, the throwing route
		// loses its own result.
		merged := maps.Clone(ds)
		if merged == nil {
			merged = make(route.Results)
		}
		merged[e.routeID] = errorResult(err)
		return merged
	}
	if out == nil {
		if n == 0 {
			// Middleware may return without calling next; nothing loaded and
			// the routes keep their previous data.
			return route.Results{}
		}
		return ds
	}
	return out
}

// thrownBeforeNext attributes an error raised before any handler ran to the
// boundary above both the thrower and the shallowest match that should load.
func thrownBeforeNext(p *phase, throwerIdx int, err error) route.Results {
	if len(p.matches) == 0 {
		return route.Results{}
	}
	idx := throwerIdx
	for i, load := range p.shouldLoad {
		if load {
			if i < idx {
				idx = i
			}
			break
		}
	}
	if idx < 0 {
		idx = 0
	}
	boundary := findNearestBoundary(p.matches, p.matches[idx].Route.ID)
	return route.Results{boundary.Route.ID: errorResult(err)}
}
