package router

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
)

// fetchCall is one in-flight fetch for a key.
type fetchCall struct {
	id     string
	gen    uint64
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetch loads or submits to href under key without navigating. routeID is
// the route the fetch is issued from; relative hrefs resolve against it.
// A new Fetch for the same key aborts the previous one, including a
// revalidation of the key run by a navigation or another fetcher. Errors are
// reported through State; Fetch itself only fails when the router is
// disposed or ctx is done. A submission made while a navigation is pending
// settles to idle when that navigation commits.
func (r *Router) Fetch(ctx context.Context, key, routeID, href string, opts ...NavigateOption) error {
	o := applyNavigateOptions(append([]NavigateOption{FromRoute(routeID)}, opts...))
	if routeID != "" && r.routes.Load().Find(routeID) == nil {
		return fmt.Errorf("%w: route %q", ErrNotFound, routeID)
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if prev, ok := r.fetchControllers[key]; ok {
		prev.cancel()
		r.logger.Debug("fetch superseded", "fetcher", key, "fetch_id", prev.id)
	}
	r.cancelRevalidationsLocked(key)
	delete(r.settleOnCommit, key)
	r.fetchSeq++
	fctx, cancel := context.WithCancel(ctx)
	call := &fetchCall{id: uuid.NewString(), gen: r.fetchSeq, parent: ctx, ctx: fctx, cancel: cancel}
	r.fetchControllers[key] = call
	r.fetchGen[key] = call.gen
	st := r.state
	r.mu.Unlock()
	defer func() {
		cancel()
		r.releaseFetch(key, call)
	}()

	p, sub, err := normalizeTarget(st, href, o)
	if err != nil {
		r.setFetcherError(call, key, routeID, err)
		return nil
	}

	method := http.MethodGet
	if sub.IsMutation() {
		method = sub.Method
	}
	info := CallInfo{Kind: CallFetch, RouteID: routeID, Method: method, URL: p.URL(r.origin).String(), FetcherKey: key}
	r.logger.Debug("fetch started", "fetcher", key, "fetch_id", call.id, "method", method, "path", p.String())
	_ = r.instr.run(fctx, info, func() error {
		tree := r.routes.Load()
		matches := r.matcher.Match(tree, p.Pathname)
		fog, partial := r.checkFogOfWar(tree, matches, p.Pathname)
		if matches == nil && !fog {
			r.setFetcherError(call, key, routeID, notFound(p.Pathname))
			return nil
		}
		if fog {
			matches = partial
		}
		if sub.IsMutation() {
			r.fetchSubmit(call, key, routeID, p, sub, matches, fog)
		} else {
			r.fetchLoad(call, key, routeID, p, matches, fog)
		}
		return nil
	})
	return ctx.Err()
}

// fetchGuard reports whether call still owns key.
func (r *Router) fetchGuard(key string, call *fetchCall) func() bool {
	return func() bool {
		return r.fetchControllers[key] == call && call.ctx.Err() == nil
	}
}

func (r *Router) releaseFetch(key string, call *fetchCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchControllers[key] == call {
		delete(r.fetchControllers, key)
	}
}

func (r *Router) discoverForFetch(call *fetchCall, key, routeID, pathname string, partial []route.Match) ([]route.Match, bool) {
	dr := r.discoverRoutes(call.ctx, partial, pathname, key)
	switch dr.kind {
	case discoverAborted:
		return nil, false
	case discoverError:
		r.setFetcherError(call, key, routeID, dr.err)
		return nil, false
	}
	if dr.matches == nil {
		r.setFetcherError(call, key, routeID, notFound(pathname))
		return nil, false
	}
	return dr.matches, true
}

func (r *Router) fetchLoad(call *fetchCall, key, routeID string, p history.Path, matches []route.Match, fog bool) {
	if !r.update(r.fetchGuard(key, call), func(st *State) {
		cur := st.Fetchers[key]
		st.Fetchers[key] = Fetcher{Key: key, State: Loading, Data: cur.Data}
	}) {
		return
	}
	if fog {
		var ok bool
		if matches, ok = r.discoverForFetch(call, key, routeID, p.Pathname, matches); !ok {
			return
		}
	}

	target := targetMatch(matches, p)
	res := r.loadFetcherMatch(call.ctx, revalidatingFetcher{
		key:     key,
		routeID: target.Route.ID,
		path:    p,
		matches: matches,
		match:   target,
	}, r.newRouterContext())
	if call.ctx.Err() != nil {
		return
	}

	if resp, ok := res.Redirect(); ok {
		r.releaseFetch(key, call)
		r.fetchRedirect(call, key, p, resp, nil)
		return
	}
	if res.Type == route.ResultError {
		r.setFetcherError(call, key, target.Route.ID, res.Err)
		return
	}
	r.update(func() bool {
		if !r.fetchGuard(key, call)() {
			return false
		}
		r.fetchLoads[key] = fetchLoadMatch{routeID: target.Route.ID, path: p, matches: matches, gen: call.gen}
		return true
	}, func(st *State) {
		st.Fetchers[key] = Fetcher{Key: key, State: Idle, Data: res.Data}
	})
}

// loadFetcherMatch runs a single fetcher loader through the middleware
// chain of its own matches.
func (r *Router) loadFetcherMatch(ctx context.Context, f revalidatingFetcher, rctx *route.Context) route.Result {
	req, err := r.newRequest(ctx, f.path, nil)
	if err != nil {
		return errorResult(err)
	}
	shouldLoad := make([]bool, len(f.matches))
	for i, m := range f.matches {
		shouldLoad[i] = m.Route.ID == f.match.Route.ID
	}
	results := r.runPhase(ctx, &phase{
		kind:       CallLoader,
		request:    req,
		matches:    f.matches,
		shouldLoad: shouldLoad,
		context:    rctx,
		fetcherKey: f.key,
	})
	_, res := pickResult(f.matches, f.match.Route.ID, results)
	return res
}

func (r *Router) fetchRedirect(call *fetchCall, key string, from history.Path, resp *route.Response, sub *Submission) {
	f := false
	_ = r.followRedirect(call.parent, resp, redirectOptions{
		from:         from,
		submission:   sub,
		replace:      &f,
		idleFetchers: []string{key},
	}, func() {
		r.update(nil, func(st *State) {
			if cur, ok := st.Fetchers[key]; ok {
				cur.State, cur.Submission = Idle, nil
				st.Fetchers[key] = cur
			}
		})
	})
}

func (r *Router) fetchSubmit(call *fetchCall, key, routeID string, p history.Path, sub *Submission, matches []route.Match, fog bool) {
	if !r.update(r.fetchGuard(key, call), func(st *State) {
		cur := st.Fetchers[key]
		st.Fetchers[key] = Fetcher{Key: key, State: Submitting, Data: cur.Data, Submission: sub}
	}) {
		return
	}
	if fog {
		var ok bool
		if matches, ok = r.discoverForFetch(call, key, routeID, p.Pathname, matches); !ok {
			return
		}
	}

	target := targetMatch(matches, p)
	rctx := r.newRouterContext()
	id, res := target.Route.ID, route.Result{}
	req, err := r.newRequest(call.ctx, p, sub)
	switch {
	case err != nil:
		res = errorResult(err)
	case !target.Route.HasAction():
		res = errorResult(methodNotAllowed(req, target.Route.ID))
	default:
		shouldLoad := make([]bool, len(matches))
		for i, m := range matches {
			shouldLoad[i] = m.Route.ID == target.Route.ID
		}
		results := r.runPhase(call.ctx, &phase{
			kind:       CallAction,
			request:    req,
			matches:    matches,
			shouldLoad: shouldLoad,
			context:    rctx,
			fetcherKey: key,
		})
		id, res = pickResult(matches, target.Route.ID, results)
	}
	if call.ctx.Err() != nil {
		return
	}
	if resp, ok := res.Redirect(); ok {
		r.releaseFetch(key, call)
		r.fetchRedirect(call, key, p, resp, sub)
		return
	}
	if res.Type == route.ResultError {
		r.setFetcherError(call, key, id, res.Err)
		return
	}

	r.revalidateAfterFetch(call, key, sub, actionOutcome{routeID: id, status: res.Status, result: res.Data}, rctx)
}

// revalidateAfterFetch reloads the page after a fetcher mutation. The
// fetcher moves to loading with the action's data, then settles to idle in
// the same commit that publishes the revalidated loader data. While a
// navigation is pending, that navigation reloads the page and the fetcher
// settles with its commit.
func (r *Router) revalidateAfterFetch(call *fetchCall, key string, sub *Submission, action actionOutcome, rctx *route.Context) {
	r.mu.Lock()
	if !r.fetchGuard(key, call)() || r.disposed {
		r.mu.Unlock()
		return
	}
	r.revalidationRequired = true
	r.invalidations++
	r.loadSeq++
	seq := r.loadSeq
	r.fetchReloads[key] = seq
	st := r.state
	navPending := r.pendingNav != nil
	fetchLoads := maps.Clone(r.fetchLoads)
	active := r.activeFetchersLocked()
	r.mu.Unlock()

	// A pending navigation sees the invalidation and reruns its own
	// loaders; only fetchers reload here.
	primary := st.Matches
	if navPending {
		primary = nil
	}
	shouldLoad, fetchers := r.matchesToLoad(revalidationInput{
		current:     st,
		next:        st.Location,
		matches:     primary,
		submission:  sub,
		action:      &action,
		required:    true,
		skipFetcher: key,
	}, fetchLoads, active)

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fetchReloads[key] == seq {
			delete(r.fetchReloads, key)
		}
	}
	defer release()

	if !r.update(r.fetchGuard(key, call), func(s *State) {
		s.Fetchers[key] = Fetcher{Key: key, State: Loading, Data: action.result, Submission: sub}
		r.markFetchersLoadingLocked(s, fetchers)
	}) {
		return
	}

	p := &phase{kind: CallLoader, matches: primary, shouldLoad: shouldLoad, context: rctx}
	if p.loadsAny() {
		req, err := r.newRequest(call.ctx, st.Location.Path, nil)
		if err != nil {
			r.setFetcherError(call, key, action.routeID, err)
			return
		}
		p.request = req
	}
	loaderResults, loads := r.runLoaders(call.ctx, p, fetchers, rctx)
	if call.ctx.Err() != nil {
		return
	}

	if resp, ok := findRedirect(primary, loaderResults); ok {
		r.releaseFetch(key, call)
		r.fetchRedirect(call, key, st.Location.Path, resp, nil)
		return
	}
	if resp, ok := fetcherRedirect(loads); ok {
		r.releaseFetch(key, call)
		r.fetchRedirect(call, key, st.Location.Path, resp, nil)
		return
	}

	out := processLoaderResults(primary, loaderResults, nil)
	fu := collectFetchers(loads, primary, &out)
	settled := Fetcher{Key: key, State: Idle, Data: action.result}

	handoff := false
	r.update(func() bool {
		if !r.fetchGuard(key, call)() || r.fetchReloads[key] != seq {
			return false
		}
		delete(r.fetchReloads, key)
		r.dropStaleFetchersLocked(&fu)
		for _, k := range fu.deleted {
			delete(r.fetchLoads, k)
		}
		switch {
		case r.pendingNav != nil:
			handoff = true
			r.settleOnCommit[key] = settledFetcher{gen: call.gen, fetcher: settled}
		case !navPending:
			r.revalidationRequired = false
		}
		return true
	}, func(s *State) {
		for k, f := range fu.set {
			s.Fetchers[k] = f
		}
		for _, k := range fu.deleted {
			delete(s.Fetchers, k)
		}
		if !handoff {
			s.Fetchers[key] = settled
		}
		// A navigation that committed meanwhile owns the loader data.
		if len(primary) > 0 && s.Location.Key == st.Location.Key {
			s.LoaderData = mergeLoaderData(s.LoaderData, out, primary)
			s.Errors = nilIfEmpty(out.errors)
		}
	})
}

// runLoaders runs the loader phase p, when it loads anything, alongside the
// revalidation of fetchers. Each fetcher load gets its own context so a
// newer Fetch of its key can abort it.
func (r *Router) runLoaders(ctx context.Context, p *phase, fetchers []revalidatingFetcher, rctx *route.Context) (route.Results, []fetcherLoad) {
	revals, release := r.trackRevalidations(ctx, fetchers)
	defer release()

	var (
		g              errgroup.Group
		loaderResults  route.Results
		fetcherResults = make([]route.Result, len(fetchers))
	)
	if p.loadsAny() {
		g.Go(func() error {
			loaderResults = r.runPhase(ctx, p)
			return nil
		})
	}
	for i, f := range fetchers {
		g.Go(func() error {
			fetcherResults[i] = r.loadFetcherMatch(revals[i].ctx, f, rctx)
			return nil
		})
	}
	_ = g.Wait()

	loads := make([]fetcherLoad, len(fetchers))
	for i, f := range fetchers {
		loads[i] = fetcherLoad{fetcher: f, result: fetcherResults[i], canceled: revals[i].ctx.Err() != nil}
	}
	return loaderResults, loads
}

// fetchRevalidation is a fetcher load run on behalf of a navigation or of
// another fetcher's submission.
type fetchRevalidation struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// fetcherLoad is the settled revalidation of one fetcher.
type fetcherLoad struct {
	fetcher  revalidatingFetcher
	result   route.Result
	canceled bool
}

// fetcherUpdates is what a pass writes to State.Fetchers. gens records the
// generation each key was loaded for.
type fetcherUpdates struct {
	set     map[string]Fetcher
	deleted []string
	gens    map[string]uint64
}

// settledFetcher is a fetcher state waiting for a navigation commit.
type settledFetcher struct {
	gen     uint64
	fetcher Fetcher
}

// trackRevalidations derives a cancelable context per fetcher load and
// registers it under the fetcher's key. Fetchers whose key has a newer owner
// start canceled. release unregisters them.
func (r *Router) trackRevalidations(ctx context.Context, fetchers []revalidatingFetcher) ([]*fetchRevalidation, func()) {
	revals := make([]*fetchRevalidation, len(fetchers))
	r.mu.Lock()
	for i, f := range fetchers {
		fctx, cancel := context.WithCancel(ctx)
		rv := &fetchRevalidation{ctx: fctx, cancel: cancel}
		revals[i] = rv
		if r.fetchGen[f.key] != f.gen {
			cancel()
			continue
		}
		set := r.fetchRevals[f.key]
		if set == nil {
			set = make(map[*fetchRevalidation]struct{})
			r.fetchRevals[f.key] = set
		}
		set[rv] = struct{}{}
	}
	r.mu.Unlock()

	return revals, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, rv := range revals {
			rv.cancel()
			key := fetchers[i].key
			if set := r.fetchRevals[key]; set != nil {
				delete(set, rv)
				if len(set) == 0 {
					delete(r.fetchRevals, key)
				}
			}
		}
	}
}

// cancelRevalidationsLocked aborts every revalidation of key.
func (r *Router) cancelRevalidationsLocked(key string) {
	for rv := range r.fetchRevals[key] {
		rv.cancel()
	}
	delete(r.fetchRevals, key)
}

// markFetchersLoadingLocked moves fetchers that still belong to their
// loading generation to the loading state.
func (r *Router) markFetchersLoadingLocked(st *State, fetchers []revalidatingFetcher) {
	for _, f := range fetchers {
		if r.fetchGen[f.key] != f.gen {
			continue
		}
		cur := st.Fetchers[f.key]
		st.Fetchers[f.key] = Fetcher{Key: f.key, State: Loading, Data: cur.Data}
	}
}

// dropStaleFetchersLocked removes updates for keys claimed by a newer Fetch
// since their load started.
func (r *Router) dropStaleFetchersLocked(fu *fetcherUpdates) {
	for k := range fu.set {
		if gen, ok := fu.gens[k]; ok && r.fetchGen[k] != gen {
			delete(fu.set, k)
		}
	}
	kept := fu.deleted[:0]
	for _, k := range fu.deleted {
		if r.fetchGen[k] == fu.gens[k] {
			kept = append(kept, k)
		}
	}
	fu.deleted = kept
}

// settleHandoffsLocked applies fetcher states waiting for a navigation
// commit.
func (r *Router) settleHandoffsLocked(st *State) {
	for k, sf := range r.settleOnCommit {
		if r.fetchGen[k] == sf.gen {
			st.Fetchers[k] = sf.fetcher
		}
		delete(r.settleOnCommit, k)
	}
}

// collectFetchers folds fetcher loads into updates. Canceled loads are
// dropped. A failed fetcher is removed and, when matches is not empty, its
// error lands at the nearest boundary.
func collectFetchers(loads []fetcherLoad, matches []route.Match, out *loaderOutcome) fetcherUpdates {
	fu := fetcherUpdates{
		set:  make(map[string]Fetcher, len(loads)),
		gens: make(map[string]uint64, len(loads)),
	}
	for _, l := range loads {
		if l.canceled {
			continue
		}
		f := l.fetcher
		fu.gens[f.key] = f.gen
		if l.result.Type == route.ResultError {
			if len(matches) > 0 {
				boundary := findNearestBoundary(matches, f.routeID)
				if out.errors == nil {
					out.errors = map[string]error{}
				}
				if _, ok := out.errors[boundary.Route.ID]; !ok {
					out.errors[boundary.Route.ID] = l.result.Err
				}
			}
			fu.deleted = append(fu.deleted, f.key)
			continue
		}
		fu.set[f.key] = Fetcher{Key: f.key, State: Idle, Data: l.result.Data}
	}
	return fu
}

func fetcherRedirect(loads []fetcherLoad) (*route.Response, bool) {
	for _, l := range loads {
		if l.canceled {
			continue
		}
		if resp, ok := l.result.Redirect(); ok {
			return resp, true
		}
	}
	return nil, false
}

// setFetcherError removes the fetcher and reports err at the nearest
// boundary of routeID within the current matches.
func (r *Router) setFetcherError(call *fetchCall, key, routeID string, err error) {
	ok := r.update(func() bool {
		if !r.fetchGuard(key, call)() {
			return false
		}
		delete(r.fetchLoads, key)
		return true
	}, func(st *State) {
		matches := st.Matches
		if len(matches) == 0 {
			matches = shortCircuitMatches(r.routes.Load())
		}
		boundary := findNearestBoundary(matches, routeID)
		if st.Errors == nil {
			st.Errors = map[string]error{}
		}
		st.Errors[boundary.Route.ID] = err
		delete(st.Fetchers, key)
	})
	if ok {
		r.logger.Debug("fetch failed", "fetcher", key, "route", routeID, "error", err)
	}
}

// GetFetcher returns the published state for key, idle when unknown.
func (r *Router) GetFetcher(key string) Fetcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.state.Fetchers[key]; ok {
		return f
	}
	return Fetcher{Key: key, State: Idle}
}

// DeleteFetcher aborts any in-flight fetch for key and forgets it.
func (r *Router) DeleteFetcher(key string) {
	r.update(func() bool {
		if fc, ok := r.fetchControllers[key]; ok {
			fc.cancel()
			delete(r.fetchControllers, key)
		}
		r.cancelRevalidationsLocked(key)
		delete(r.fetchGen, key)
		delete(r.settleOnCommit, key)
		delete(r.fetchLoads, key)
		delete(r.fetchReloads, key)
		_, ok := r.state.Fetchers[key]
		return ok
	}, func(st *State) {
		delete(st.Fetchers, key)
	})
}
