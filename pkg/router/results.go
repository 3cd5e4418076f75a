package router

import (
	"github.com/vango-dev/datarouter/pkg/route"
)

// findNearestBoundary returns the deepest match at or above routeID that has
// an error boundary, falling back to the root match.
func findNearestBoundary(matches []route.Match, routeID string) route.Match {
	eligible := matches
	if routeID != "" {
		for i, m := range matches {
			if m.Route.ID == routeID {
				eligible = matches[:i+1]
				break
			}
		}
	}
	for i := len(eligible) - 1; i >= 0; i-- {
		if eligible[i].Route.EffectiveHasErrorBoundary() {
			return eligible[i]
		}
	}
	return matches[0]
}

// matchesAboveBoundary returns the matches strictly above boundaryID.
func matchesAboveBoundary(matches []route.Match, boundaryID string) []route.Match {
	for i, m := range matches {
		if m.Route.ID == boundaryID {
			return matches[:i]
		}
	}
	return matches
}

// findRedirect returns the first redirect among results, in match order.
func findRedirect(matches []route.Match, results route.Results) (*route.Response, bool) {
	for _, m := range matches {
		if res, ok := results[m.Route.ID]; ok {
			if resp, ok := res.Redirect(); ok {
				return resp, true
			}
		}
	}
	for _, res := range results {
		if resp, ok := res.Redirect(); ok {
			return resp, true
		}
	}
	return nil, false
}

// loaderOutcome is the processed result of a loader phase.
type loaderOutcome struct {
	// data holds fresh values for routes that loaded successfully.
	data map[string]any
	// failed records routes whose load errored; their old data is cleared.
	failed map[string]bool
	// errors is keyed by boundary route ID; nil when nothing failed.
	errors map[string]error
}

// pendingActionError is an action error carried into the loader phase.
type pendingActionError struct {
	boundaryID string
	routeID    string
	err        error
}

// processLoaderResults attributes loader errors to boundaries. The first
// error to reach a boundary wins, and a pending action error takes the place
// of the first loader error.
func processLoaderResults(matches []route.Match, results route.Results, pending *pendingActionError) loaderOutcome {
	out := loaderOutcome{data: map[string]any{}, failed: map[string]bool{}}
	consumePending := pending

	visit := func(id string, res route.Result) {
		if res.Type == route.ResultError {
			boundary := findNearestBoundary(matches, id)
			err := res.Err
			if consumePending != nil {
				err = consumePending.err
				consumePending = nil
			}
			if out.errors == nil {
				out.errors = map[string]error{}
			}
			if _, ok := out.errors[boundary.Route.ID]; !ok {
				out.errors[boundary.Route.ID] = err
			}
			out.failed[id] = true
			return
		}
		out.data[id] = res.Data
	}

	seen := make(map[string]bool, len(results))
	for _, m := range matches {
		if res, ok := results[m.Route.ID]; ok {
			seen[m.Route.ID] = true
			visit(m.Route.ID, res)
		}
	}
	for id, res := range results {
		if !seen[id] {
			visit(id, res)
		}
	}

	if consumePending != nil {
		out.errors = map[string]error{consumePending.boundaryID: consumePending.err}
		out.failed[consumePending.routeID] = true
	}
	return out
}

// mergeLoaderData builds the next LoaderData: fresh values win, routes that
// did not load keep their old value, and nothing at or below the first
// errored boundary is carried over.
func mergeLoaderData(old map[string]any, out loaderOutcome, matches []route.Match) map[string]any {
	merged := make(map[string]any, len(matches))
	for _, m := range matches {
		id := m.Route.ID
		if v, ok := out.data[id]; ok {
			merged[id] = v
		} else if !out.failed[id] {
			if v, ok := old[id]; ok && m.Route.HasLoader() {
				merged[id] = v
			}
		}
		if _, ok := out.errors[id]; ok {
			break
		}
	}
	return merged
}
