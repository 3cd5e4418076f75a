package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/datarouter/pkg/route"
)

// phase is one pass of handler execution: the action of a submission or the
// loaders of a navigation, fetch or revalidation.
type phase struct {
	kind       CallKind
	request    *http.Request
	matches    []route.Match
	shouldLoad []bool
	context    *route.Context
	fetcherKey string
}

func (p *phase) loadsAny() bool {
	for _, ok := range p.shouldLoad {
		if ok {
			return true
		}
	}
	return false
}

// DataStrategyFunc decides how the handlers of a phase run. It must call
// Resolve (or ResolveWith) on every match whose ShouldLoad is set. Returned
// results take precedence over resolved ones for the same route ID.
type DataStrategyFunc func(args DataStrategyArgs) (route.Results, error)

// DataStrategyArgs is passed to a DataStrategyFunc.
type DataStrategyArgs struct {
	Request    *http.Request
	Params     map[string]string
	Context    *route.Context
	Matches    []*DataStrategyMatch
	FetcherKey string
}

// DataStrategyMatch is a match handed to a data strategy.
type DataStrategyMatch struct {
	route.Match

	// ShouldLoad reports whether the router wants this match's handler to
	// run in this phase.
	ShouldLoad bool

	call func() route.Result

	once     sync.Once
	resolved bool
	result   route.Result
	mu       sync.Mutex
}

// Resolve runs the match's real handler once and returns its result. Further
// calls return the first result. Matches that should not load resolve to
// empty data without calling the handler.
func (m *DataStrategyMatch) Resolve() route.Result {
	return m.ResolveWith(nil)
}

// ResolveWith is like Resolve but lets wrap interpose around the real
// handler call. wrap must call handler at most once.
func (m *DataStrategyMatch) ResolveWith(wrap func(handler func() (any, error)) (any, error)) route.Result {
	m.once.Do(func() {
		var res route.Result
		switch {
		case !m.ShouldLoad && wrap == nil:
			res = route.Result{Type: route.ResultData}
		case wrap == nil:
			res = m.call()
		default:
			var inner route.Result
			handler := func() (any, error) {
				if !m.ShouldLoad {
					return nil, nil
				}
				inner = m.call()
				if inner.Type == route.ResultError {
					return nil, inner.Err
				}
				return inner.Data, nil
			}
			v, err := safeCall(m.Route.ID, func() (any, error) { return wrap(handler) })
			res = normalizeResult(v, err)
			if err == nil && inner.Type == route.ResultData && res.Status == 0 {
				res.Status = inner.Status
				res.Header = inner.Header
			}
		}
		m.mu.Lock()
		m.resolved = true
		m.result = res
		m.mu.Unlock()
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

func (m *DataStrategyMatch) state() (route.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.resolved
}

// DefaultDataStrategy resolves every match that should load, in parallel.
func DefaultDataStrategy(args DataStrategyArgs) (route.Results, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(route.Results)
	)
	for _, m := range args.Matches {
		if !m.ShouldLoad {
			continue
		}
		g.Go(func() error {
			res := m.Resolve()
			mu.Lock()
			results[m.Route.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// callDataStrategy runs the configured strategy for p and enforces the
// resolve contract. The returned results hold an entry for every match that
// should load, or a single root error when the strategy failed.
func (r *Router) callDataStrategy(ctx context.Context, p *phase) route.Results {
	dsMatches := make([]*DataStrategyMatch, len(p.matches))
	for i, m := range p.matches {
		dm := &DataStrategyMatch{Match: m, ShouldLoad: p.shouldLoad[i]}
		dm.call = func() route.Result { return r.callHandler(ctx, p, m) }
		dsMatches[i] = dm
	}

	strategy := r.opts.DataStrategy
	if strategy == nil {
		strategy = DefaultDataStrategy
	}
	args := DataStrategyArgs{
		Request:    p.request,
		Context:    p.context,
		Matches:    dsMatches,
		FetcherKey: p.fetcherKey,
	}
	if len(p.matches) > 0 {
		args.Params = p.matches[len(p.matches)-1].Params
	}

	var returned route.Results
	_, err := safeCall("", func() (any, error) {
		var err error
		returned, err = strategy(args)
		return nil, err
	})
	if err != nil {
		r.logger.Debug("data strategy failed", "error", err)
		return failRoot(p, &DataStrategyError{Err: err})
	}

	results := make(route.Results)
	for _, dm := range dsMatches {
		if !dm.ShouldLoad {
			continue
		}
		if res, ok := returned[dm.Route.ID]; ok {
			results[dm.Route.ID] = res
			continue
		}
		res, ok := dm.state()
		if !ok {
			err := &DataStrategyError{
				RouteID: dm.Route.ID,
				Err:     fmt.Errorf("%w for match %q", ErrResolveNotCalled, dm.Route.ID),
			}
			r.logger.Warn("data strategy did not resolve match", "route_id", dm.Route.ID)
			return failRoot(p, err)
		}
		results[dm.Route.ID] = res
	}
	return results
}

// failRoot attributes err to the first match so it lands on the root-most
// boundary and clears the data of every match beneath it.
func failRoot(p *phase, err error) route.Results {
	if len(p.matches) == 0 {
		return route.Results{}
	}
	return route.Results{p.matches[0].Route.ID: {Type: route.ResultError, Err: err}}
}
