package router

import (
	"strings"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
)

// actionOutcome is what the loader phase needs to know about a preceding
// action.
type actionOutcome struct {
	routeID string
	status  int
	result  any
	pending *pendingActionError
}

// revalidationInput describes a loader pass.
type revalidationInput struct {
	current     State
	next        history.Location
	matches     []route.Match
	submission  *Submission
	action      *actionOutcome
	initialLoad bool
	// required forces default revalidation: mutations, Revalidate, and
	// redirects asking for it.
	required bool
	// skipFetcher excludes the fetcher whose own submission triggered the pass.
	skipFetcher string
}

// revalidatingFetcher is a loaded fetcher whose loader reruns in a pass.
type revalidatingFetcher struct {
	key     string
	routeID string
	path    history.Path
	matches []route.Match
	match   route.Match
	gen     uint64
}

// fetchLoadMatch remembers where a fetcher last loaded from and which
// Fetch generation loaded it.
type fetchLoadMatch struct {
	routeID string
	path    history.Path
	matches []route.Match
	gen     uint64
}

// matchesToLoad decides shouldLoad per match and which fetchers revalidate.
// Callers hold no lock; fetchLoads and activeFetchers are snapshots.
func (r *Router) matchesToLoad(in revalidationInput, fetchLoads map[string]fetchLoadMatch, activeFetchers map[string]bool) ([]bool, []revalidatingFetcher) {
	currentURL := in.current.Location.URL(r.origin)
	nextURL := in.next.URL(r.origin)

	var actionStatus int
	var actionResult any
	maxIdx := len(in.matches) - 1
	if in.action != nil {
		actionStatus = in.action.status
		actionResult = in.action.result
		if in.action.pending != nil {
			maxIdx = len(matchesAboveBoundary(in.matches, in.action.pending.boundaryID)) - 1
		}
	}
	skipRevalidation := r.opts.SkipActionErrorRevalidation && actionStatus >= 400

	base := route.ShouldRevalidateArgs{
		CurrentURL:   currentURL,
		NextURL:      nextURL,
		ActionStatus: actionStatus,
		ActionResult: actionResult,
	}
	if n := len(in.current.Matches); n > 0 {
		base.CurrentParams = in.current.Matches[n-1].Params
	}
	if n := len(in.matches); n > 0 {
		base.NextParams = in.matches[n-1].Params
	}
	if s := in.submission; s != nil {
		base.FormMethod = s.Method
		base.FormAction = s.Action
		base.FormEncType = s.EncType
		base.FormData = s.FormData
		base.JSON = s.JSON
		base.Text = s.Text
	}

	shouldLoad := make([]bool, len(in.matches))
	for i, m := range in.matches {
		rt := m.Route
		switch {
		case i > maxIdx:
			// Below the boundary of a failed action.
		case rt.LazyPending() && rt.MayProvide(route.FieldLoader):
			shouldLoad[i] = true
		case !rt.HasLoader():
		case in.initialLoad:
			_, hasData := in.current.LoaderData[rt.ID]
			_, hasError := in.current.Errors[rt.ID]
			shouldLoad[i] = !hasData && !hasError
		case isNewLoader(in.current.LoaderData, in.current.Matches, i, m):
			shouldLoad[i] = true
		default:
			var prev route.Match
			if i < len(in.current.Matches) {
				prev = in.current.Matches[i]
			}
			def := !skipRevalidation && (in.required ||
				currentURL.RawQuery != nextURL.RawQuery ||
				isNewRouteInstance(prev, m))
			args := base
			args.DefaultShouldRevalidate = def
			shouldLoad[i] = shouldRevalidate(rt, args)
		}
	}

	if in.initialLoad {
		return shouldLoad, nil
	}

	var fetchers []revalidatingFetcher
	tree := r.routes.Load()
	for key, fl := range fetchLoads {
		if key == in.skipFetcher || activeFetchers[key] {
			continue
		}
		fm := r.matcher.Match(tree, fl.path.Pathname)
		if fm == nil {
			continue
		}
		target, ok := matchByID(fm, fl.routeID)
		if !ok {
			target = targetMatch(fm, fl.path)
		}
		f, hasFetcher := in.current.Fetchers[key]
		load := false
		if hasFetcher && f.State != Idle && f.Data == nil {
			load = true
		} else if target.Route.HasLoader() {
			args := base
			args.DefaultShouldRevalidate = !skipRevalidation && in.required
			load = shouldRevalidate(target.Route, args)
		}
		if load {
			fetchers = append(fetchers, revalidatingFetcher{
				key:     key,
				routeID: fl.routeID,
				path:    fl.path,
				matches: fm,
				match:   target,
				gen:     fl.gen,
			})
		}
	}
	return shouldLoad, fetchers
}

// shouldRevalidate consults the route's predicate; only a bool result
// overrides the default.
func shouldRevalidate(rt *route.Route, args route.ShouldRevalidateArgs) bool {
	fn := rt.EffectiveShouldRevalidate()
	if fn == nil {
		return args.DefaultShouldRevalidate
	}
	if b, ok := fn(args).(bool); ok {
		return b
	}
	return args.DefaultShouldRevalidate
}

func isNewLoader(loaderData map[string]any, current []route.Match, i int, m route.Match) bool {
	if i >= len(current) || current[i].Route.ID != m.Route.ID {
		return true
	}
	_, ok := loaderData[m.Route.ID]
	return !ok
}

func isNewRouteInstance(current, next route.Match) bool {
	if current.Route == nil {
		return true
	}
	if current.Pathname != next.Pathname {
		return true
	}
	if name, ok := splatParam(current.Route.Path); ok {
		return current.Params[name] != next.Params[name]
	}
	return false
}

// splatParam returns the param name bound by a trailing splat segment.
func splatParam(p string) (string, bool) {
	seg := p[strings.LastIndexByte(p, '/')+1:]
	if !strings.HasPrefix(seg, "*") {
		return "", false
	}
	if seg == "*" {
		return "*", true
	}
	return seg[1:], true
}

func matchByID(matches []route.Match, id string) (route.Match, bool) {
	for _, m := range matches {
		if m.Route.ID == id {
			return m, true
		}
	}
	return route.Match{}, false
}

// targetMatch is the match a submission or fetch targets: the leaf index
// route when the URL carries a bare "index" param, otherwise the deepest
// match that contributes a path.
func targetMatch(matches []route.Match, p history.Path) route.Match {
	last := matches[len(matches)-1]
	if last.Route.Index && hasIndexParam(p.Search) {
		return last
	}
	var target route.Match
	for i, m := range matches {
		if i == 0 || m.Route.HasPath() {
			target = m
		}
	}
	return target
}
