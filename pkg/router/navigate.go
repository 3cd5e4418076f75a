package router

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/match"
	"github.com/vango-dev/datarouter/pkg/route"
)

// navCall is one navigation occupying the primary slot.
type navCall struct {
	id            string
	parent        context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	historyAction history.Action
	loc           history.Location
	submission    *Submission
	replace       *bool
	revalidation  bool
	isRedirect    bool
	idleFetchers  []string

	// pendingAction overrides historyAction at commit time.
	pendingAction history.Action
	err           error
}

type startOptions struct {
	submission        *Submission
	replace           *bool
	revalidation      bool
	initialLoad       bool
	isRedirect        bool
	forceRevalidation bool
	idleFetchers      []string
}

// navCommit is what a settled navigation writes to State.
type navCommit struct {
	matches []route.Match

	// outcome is merged into LoaderData; nil keeps LoaderData as is.
	outcome *loaderOutcome

	errors     map[string]error
	keepErrors bool

	actionData    map[string]any
	hasActionData bool

	fetchers fetcherUpdates

	// invalidations is the count the loaders ran against. With rerunStale
	// set, a later count refuses the commit.
	invalidations uint64
	rerunStale    bool
}

// Navigate loads to and commits it to history. Relative targets resolve
// against the current matches. Navigate returns when the navigation settles,
// is superseded, or ctx is done; a superseded navigation returns nil.
func (r *Router) Navigate(ctx context.Context, to string, opts ...NavigateOption) error {
	o := applyNavigateOptions(opts)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	st := r.state
	r.mu.Unlock()

	p, sub, err := normalizeTarget(st, to, o)
	if err != nil {
		return err
	}
	loc := history.Location{Path: p, State: o.state, Key: newKey()}
	if o.mask != "" {
		loc.Mask = resolveTo(o.mask, st.Matches, st.Location.Path, o.fromRouteID, o.relativePath).String()
	}

	action := history.Push
	switch {
	case o.replace != nil && *o.replace:
		action = history.Replace
	case o.replace != nil:
	case sub.IsMutation() && sub.Action == st.Location.Pathname+st.Location.Search:
		action = history.Replace
	}
	return r.startNavigation(ctx, action, loc, startOptions{submission: sub, replace: o.replace})
}

func newKey() string {
	return uuid.NewString()[:8]
}

// startNavigation claims the primary slot, superseding any navigation in
// flight, and runs the transition to loc.
func (r *Router) startNavigation(parent context.Context, action history.Action, loc history.Location, so startOptions) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	if prev := r.pendingNav; prev != nil {
		prev.cancel()
		r.logger.Debug("navigation superseded", "navigation_id", prev.id, "location", prev.loc.String())
	}
	ctx, cancel := context.WithCancel(parent)
	call := &navCall{
		id:            uuid.NewString(),
		parent:        parent,
		ctx:           ctx,
		cancel:        cancel,
		historyAction: action,
		loc:           loc,
		submission:    so.submission,
		replace:       so.replace,
		revalidation:  so.revalidation,
		isRedirect:    so.isRedirect,
		idleFetchers:  so.idleFetchers,
	}
	r.pendingNav = call
	required := r.revalidationRequired || so.forceRevalidation || so.submission.IsMutation()
	st := r.state
	fetchLoads := maps.Clone(r.fetchLoads)
	active := r.activeFetchersLocked()
	r.mu.Unlock()
	defer cancel()

	r.logger.Debug("navigation started",
		"navigation_id", call.id, "action", action, "location", loc.String(), "revalidation", so.revalidation)

	method := http.MethodGet
	if so.submission.IsMutation() {
		method = so.submission.Method
	}
	info := CallInfo{Kind: CallNavigate, Method: method, URL: loc.URL(r.origin).String()}
	_ = r.instr.run(ctx, info, func() error {
		r.runNavigation(call, st, so, required, fetchLoads, active)
		return call.err
	})
	r.abandonNavigation(call)

	if call.err != nil {
		return call.err
	}
	return parent.Err()
}

func (r *Router) activeFetchersLocked() map[string]bool {
	active := make(map[string]bool, len(r.fetchControllers)+len(r.fetchReloads))
	for k := range r.fetchControllers {
		active[k] = true
	}
	for k := range r.fetchReloads {
		active[k] = true
	}
	return active
}

// isCurrent returns a guard reporting whether call still owns the slot.
func (r *Router) isCurrent(call *navCall) func() bool {
	return func() bool {
		return r.pendingNav == call && call.ctx.Err() == nil
	}
}

// abandonNavigation releases the slot if call still holds it without having
// committed, returning the published navigation to idle.
func (r *Router) abandonNavigation(call *navCall) {
	r.update(func() bool {
		if r.pendingNav != call {
			return false
		}
		r.pendingNav = nil
		return true
	}, func(st *State) {
		st.Navigation = IdleNavigation
		st.Revalidation = RevalidationIdle
		r.settleHandoffsLocked(st)
	})
}

func (r *Router) runNavigation(call *navCall, st State, so startOptions, required bool, fetchLoads map[string]fetchLoadMatch, active map[string]bool) {
	loc := call.loc
	tree := r.routes.Load()
	matches := r.matcher.Match(tree, loc.Pathname)
	fog, partial := r.checkFogOfWar(tree, matches, loc.Pathname)

	if matches == nil && !fog {
		r.completeNotFound(call)
		return
	}
	if fog {
		matches = partial
	}

	if !so.revalidation && !so.initialLoad && st.Initialized &&
		isHashChangeOnly(st.Location.Path, loc.Path) && !call.submission.IsMutation() {
		r.completeNavigation(call, navCommit{matches: matches, keepErrors: true})
		return
	}

	rctx := r.newRouterContext()
	var action *actionOutcome
	if call.submission.IsMutation() {
		var done bool
		matches, action, done = r.handleAction(call, matches, fog, rctx)
		if done {
			return
		}
		fog = false
	}
	r.handleLoaders(call, st, matches, fog, action, rctx, so.initialLoad, required, fetchLoads, active)
}

func (r *Router) completeNotFound(call *navCall) {
	sc := shortCircuitMatches(r.routes.Load())
	errs := map[string]error{sc[0].Route.ID: notFound(call.loc.Pathname)}
	r.completeNavigation(call, navCommit{
		matches:       sc,
		outcome:       &loaderOutcome{errors: errs},
		errors:        errs,
		hasActionData: true,
	})
}

// discoverForNavigation resolves fog of war for the primary location. It
// commits the failure itself and reports false when the navigation is over.
func (r *Router) discoverForNavigation(call *navCall, partial []route.Match) ([]route.Match, bool) {
	dr := r.discoverRoutes(call.ctx, partial, call.loc.Pathname, "")
	switch dr.kind {
	case discoverAborted:
		return nil, false
	case discoverError:
		em, boundary := r.discoveryErrorMatches(dr.partial)
		errs := map[string]error{boundary: dr.err}
		r.completeNavigation(call, navCommit{
			matches:       em,
			outcome:       &loaderOutcome{errors: errs},
			errors:        errs,
			hasActionData: true,
		})
		return nil, false
	}
	if dr.matches == nil {
		r.completeNotFound(call)
		return nil, false
	}
	return dr.matches, true
}

// handleAction runs the submission's action. done reports that the
// navigation finished (committed, redirected or aborted) without a loader
// phase.
func (r *Router) handleAction(call *navCall, matches []route.Match, fog bool, rctx *route.Context) (_ []route.Match, _ *actionOutcome, done bool) {
	loc := call.loc
	sub := call.submission
	if !r.update(r.isCurrent(call), func(st *State) {
		st.Navigation = Navigation{State: Submitting, Location: &loc, Submission: sub}
	}) {
		return nil, nil, true
	}

	if fog {
		m, ok := r.discoverForNavigation(call, matches)
		if !ok {
			return nil, nil, true
		}
		matches = m
	}

	target := targetMatch(matches, loc.Path)
	var (
		key     string
		res     route.Result
		results route.Results
	)
	req, err := r.newRequest(call.ctx, loc.Path, sub)
	switch {
	case err != nil:
		key, res = target.Route.ID, errorResult(err)
	case !target.Route.HasAction():
		key, res = target.Route.ID, errorResult(methodNotAllowed(req, target.Route.ID))
	default:
		shouldLoad := make([]bool, len(matches))
		for i, m := range matches {
			shouldLoad[i] = m.Route.ID == target.Route.ID
		}
		results = r.runPhase(call.ctx, &phase{
			kind:       CallAction,
			request:    req,
			matches:    matches,
			shouldLoad: shouldLoad,
			context:    rctx,
		})
		key, res = pickResult(matches, target.Route.ID, results)
	}
	if call.ctx.Err() != nil {
		return nil, nil, true
	}

	if resp, ok := findRedirect(matches, results); ok {
		replace := call.replace
		if replace == nil {
			cur := r.State().Location
			same := r.redirectTarget(resp.Location(), loc.Path) == cur.Pathname+cur.Search
			replace = &same
		}
		r.startRedirectNavigation(call, resp, sub, replace)
		return nil, nil, true
	}

	if res.Type == route.ResultError {
		boundary := findNearestBoundary(matches, key)
		if call.replace == nil || !*call.replace {
			call.pendingAction = history.Push
		}
		if res.Status < 400 {
			// A thrown error without a status skips revalidation entirely.
			errs := map[string]error{boundary.Route.ID: res.Err}
			r.completeNavigation(call, navCommit{
				matches:       matches,
				outcome:       &loaderOutcome{failed: map[string]bool{key: true}, errors: errs},
				errors:        errs,
				hasActionData: true,
			})
			return nil, nil, true
		}
		return matches, &actionOutcome{
			routeID: key,
			status:  res.Status,
			result:  res.Err,
			pending: &pendingActionError{boundaryID: boundary.Route.ID, routeID: key, err: res.Err},
		}, false
	}
	return matches, &actionOutcome{routeID: target.Route.ID, status: res.Status, result: res.Data}, false
}

// pickResult returns the result for routeID, or the first error a
// middleware attributed elsewhere, or empty data.
func pickResult(matches []route.Match, routeID string, results route.Results) (string, route.Result) {
	if res, ok := results[routeID]; ok {
		return routeID, res
	}
	for _, m := range matches {
		if res, ok := results[m.Route.ID]; ok && res.Type == route.ResultError {
			return m.Route.ID, res
		}
	}
	return routeID, route.Result{Type: route.ResultData}
}

func (r *Router) handleLoaders(call *navCall, st State, matches []route.Match, fog bool, action *actionOutcome,
	rctx *route.Context, initialLoad, required bool, fetchLoads map[string]fetchLoadMatch, active map[string]bool) {
	loc := call.loc
	if fog {
		m, ok := r.discoverForNavigation(call, matches)
		if !ok {
			return
		}
		matches = m
	}

	var (
		actionData    map[string]any
		hasActionData = action != nil
		pending       *pendingActionError
	)
	if action != nil {
		pending = action.pending
		if pending == nil {
			actionData = map[string]any{action.routeID: action.result}
		}
	}

	// A mutation or Revalidate landing before the commit makes the loaded
	// data stale; the pass reruns until one commits.
	var (
		loaderResults route.Results
		loads         = map[string]fetcherLoad{}
		loading       bool
	)
	for pass := 0; ; pass++ {
		r.mu.Lock()
		seq := r.invalidations
		required = required || r.revalidationRequired
		if pass > 0 {
			fetchLoads = maps.Clone(r.fetchLoads)
			active = r.activeFetchersLocked()
		}
		r.mu.Unlock()

		shouldLoad, fetchers := r.matchesToLoad(revalidationInput{
			current:     st,
			next:        loc,
			matches:     matches,
			submission:  call.submission,
			action:      action,
			initialLoad: initialLoad,
			required:    required,
		}, fetchLoads, active)

		p := &phase{kind: CallLoader, matches: matches, shouldLoad: shouldLoad, context: rctx}
		if p.loadsAny() || len(fetchers) > 0 {
			if !r.update(r.isCurrent(call), func(s *State) {
				if !loading {
					if !call.revalidation && !initialLoad {
						s.Navigation = Navigation{State: Loading, Location: &loc, Submission: call.submission}
					}
					if hasActionData {
						s.ActionData = nilIfEmpty(actionData)
					}
				}
				r.markFetchersLoadingLocked(s, fetchers)
			}) {
				return
			}
			loading = true

			if p.loadsAny() {
				req, err := r.newRequest(call.ctx, loc.Path, nil)
				if err != nil {
					call.err = err
					return
				}
				p.request = req
			}
			results, passLoads := r.runLoaders(call.ctx, p, fetchers, rctx)
			if call.ctx.Err() != nil {
				return
			}

			if resp, ok := findRedirect(matches, results); ok {
				r.startRedirectNavigation(call, resp, nil, call.replace)
				return
			}
			if resp, ok := fetcherRedirect(passLoads); ok {
				r.startRedirectNavigation(call, resp, nil, call.replace)
				return
			}

			if loaderResults == nil {
				loaderResults = route.Results{}
			}
			maps.Copy(loaderResults, results)
			for _, l := range passLoads {
				if !l.canceled {
					loads[l.fetcher.key] = l
				}
			}
		}

		out := processLoaderResults(matches, loaderResults, pending)
		fu := collectFetchers(slices.Collect(maps.Values(loads)), matches, &out)
		_, invalidated := r.commitNavigation(call, navCommit{
			matches:       matches,
			outcome:       &out,
			errors:        out.errors,
			actionData:    actionData,
			hasActionData: hasActionData,
			fetchers:      fu,
			invalidations: seq,
			rerunStale:    true,
		})
		if !invalidated {
			return
		}
		required = true
		r.logger.Debug("loaders invalidated, reloading", "navigation_id", call.id, "pass", pass+1)
	}
}

// completeNavigation commits a settled navigation if call still owns the
// slot, updating history for non-revalidation transitions.
func (r *Router) completeNavigation(call *navCall, c navCommit) bool {
	ok, _ := r.commitNavigation(call, c)
	return ok
}

// commitNavigation is completeNavigation reporting, for a commit with
// rerunStale set, whether it was refused because an invalidation arrived
// after its loaders started.
func (r *Router) commitNavigation(call *navCall, c navCommit) (bool, bool) {
	loc := call.loc
	invalidated := false
	ok := r.update(func() bool {
		if r.pendingNav != call || call.ctx.Err() != nil {
			return false
		}
		if c.rerunStale && r.invalidations != c.invalidations {
			invalidated = true
			return false
		}
		r.pendingNav = nil
		r.revalidationRequired = false
		r.dropStaleFetchersLocked(&c.fetchers)
		for _, k := range c.fetchers.deleted {
			delete(r.fetchLoads, k)
		}
		return true
	}, func(st *State) {
		prev := r.state

		switch {
		case c.hasActionData:
			st.ActionData = nilIfEmpty(c.actionData)
		case prev.Navigation.State == Loading && prev.Navigation.Submission.IsMutation() && !call.isRedirect:
		default:
			st.ActionData = nil
		}

		if c.outcome != nil {
			st.LoaderData = mergeLoaderData(prev.LoaderData, *c.outcome, c.matches)
		}
		if !c.keepErrors {
			st.Errors = nilIfEmpty(c.errors)
		}

		for k, f := range c.fetchers.set {
			st.Fetchers[k] = f
		}
		for _, k := range c.fetchers.deleted {
			delete(st.Fetchers, k)
		}
		r.settleHandoffsLocked(st)
		for _, k := range call.idleFetchers {
			if f, ok := st.Fetchers[k]; ok {
				f.State, f.Submission = Idle, nil
				st.Fetchers[k] = f
			}
		}
		// Fetchers this navigation put into loading but that did not get a
		// result (superseded passes) settle back to idle with their data.
		for k, f := range st.Fetchers {
			if f.State != Loading {
				continue
			}
			if _, busy := r.fetchControllers[k]; busy {
				continue
			}
			if _, reloading := r.fetchReloads[k]; reloading {
				continue
			}
			f.State, f.Submission = Idle, nil
			st.Fetchers[k] = f
		}

		action := call.historyAction
		if call.pendingAction != "" {
			action = call.pendingAction
		}
		if !call.revalidation {
			switch action {
			case history.Push:
				r.history.Push(loc)
			case history.Replace:
				r.history.Replace(loc)
			}
			st.HistoryAction = action
			st.Location = loc
		}
		st.Matches = c.matches
		st.Initialized = true
		st.Navigation = IdleNavigation
		st.Revalidation = RevalidationIdle
	})
	if ok {
		r.logger.Debug("navigation committed", "navigation_id", call.id, "location", loc.String(), "errors", len(c.errors))
	}
	return ok, invalidated
}

// startRedirectNavigation follows a redirect produced by call's handlers.
func (r *Router) startRedirectNavigation(call *navCall, resp *route.Response, sub *Submission, replace *bool) {
	err := r.followRedirect(call.parent, resp, redirectOptions{
		from:         call.loc.Path,
		submission:   sub,
		replace:      replace,
		idleFetchers: call.idleFetchers,
	}, func() { r.abandonNavigation(call) })
	if err != nil {
		call.err = err
	}
}

type redirectOptions struct {
	from         history.Path
	submission   *Submission
	replace      *bool
	idleFetchers []string
}

// followRedirect starts the navigation a redirect asks for. 307 and 308
// keep a mutating submission; everything else becomes a GET. Redirects that
// leave the router call abandon and are reported to OnExternalRedirect.
func (r *Router) followRedirect(parent context.Context, resp *route.Response, ro redirectOptions, abandon func()) error {
	target := resp.Location()
	rerr := &RedirectError{
		Location:       target,
		Status:         resp.Status,
		Replace:        resp.Header.Get(route.HeaderReplace) != "",
		ReloadDocument: resp.Header.Get(route.HeaderReloadDocument) != "",
	}
	p, external := r.internalPath(target, ro.from)
	if external || rerr.ReloadDocument {
		rerr.External = external
		r.logger.Debug("redirect leaves the router", "location", target, "status", resp.Status)
		abandon()
		if r.opts.OnExternalRedirect != nil {
			r.opts.OnExternalRedirect(rerr)
		}
		return nil
	}

	action := history.Push
	if (ro.replace != nil && *ro.replace) || rerr.Replace {
		action = history.Replace
	}
	so := startOptions{
		isRedirect:        true,
		forceRevalidation: resp.Header.Get(route.HeaderRevalidate) != "" || ro.submission.IsMutation(),
		idleFetchers:      ro.idleFetchers,
	}
	if ro.submission.IsMutation() && (resp.Status == http.StatusTemporaryRedirect || resp.Status == http.StatusPermanentRedirect) {
		s := *ro.submission
		s.Action = p.Pathname + p.Search
		so.submission = &s
	}
	r.logger.Debug("following redirect", "from", ro.from.String(), "to", p.String(), "status", resp.Status)
	return r.startNavigation(parent, action, history.Location{Path: p, Key: newKey()}, so)
}

// internalPath resolves a redirect target. Absolute URLs on another origin
// are external.
func (r *Router) internalPath(target string, from history.Path) (history.Path, bool) {
	if strings.HasPrefix(target, "//") || strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return history.Path{}, true
		}
		o, err := url.Parse(r.origin)
		if err != nil || !strings.EqualFold(u.Host, o.Host) || (u.Scheme != "" && !strings.EqualFold(u.Scheme, o.Scheme)) {
			return history.Path{}, true
		}
		target = u.RequestURI()
		if u.Fragment != "" {
			target += "#" + u.Fragment
		}
	}
	p := history.ParsePath(target)
	if p.Pathname == "" {
		p.Pathname = from.Pathname
	} else {
		p.Pathname = match.Resolve(from.Pathname, p.Pathname)
	}
	return p, false
}

// redirectTarget renders the pathname and search a redirect resolves to.
func (r *Router) redirectTarget(target string, from history.Path) string {
	p, _ := r.internalPath(target, from)
	return p.Pathname + p.Search
}

func isHashChangeOnly(a, b history.Path) bool {
	if a.Pathname != b.Pathname || a.Search != b.Search {
		return false
	}
	if a.Hash == "" {
		return b.Hash != ""
	}
	if a.Hash == b.Hash {
		return true
	}
	return b.Hash != ""
}

func nilIfEmpty[M ~map[K]V, K comparable, V any](m M) M {
	if len(m) == 0 {
		return nil
	}
	return m
}
