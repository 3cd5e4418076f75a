package router

import (
	"context"
	"strings"

	"github.com/vango-dev/datarouter/pkg/route"
)

// shimRouteID identifies the synthetic root used to report errors when the
// tree has no suitable root route.
const shimRouteID = "__shim-error-route__"

// DiscoverArgs is passed to a DiscoverFunc.
type DiscoverArgs struct {
	// Path is the pathname being resolved.
	Path string

	// Matches is the best partial match chain known so far.
	Matches []route.Match

	// FetcherKey is set when discovery runs for a fetcher.
	FetcherKey string

	// Patch adds children under anchorID ("" for the top level). Patching
	// a shape that already exists is a no-op.
	Patch func(anchorID string, children []*route.Route) error
}

// DiscoverFunc lazily adds routes to the tree while a location resolves.
type DiscoverFunc func(ctx context.Context, args DiscoverArgs) error

type discoverKind int

const (
	discoverSuccess discoverKind = iota
	discoverAborted
	discoverError
)

type discoverResult struct {
	kind discoverKind
	// matches is the full match found, or nil when the tree was exhausted.
	matches []route.Match
	partial []route.Match
	err     error
}

// checkFogOfWar reports whether pathname must go through discovery: nothing
// matched, or the match relies on dynamic or splat segments that a
// discovered static route could outrank. When active, the returned matches
// are the best partial chain.
func (r *Router) checkFogOfWar(tree *route.Tree, matches []route.Match, pathname string) (bool, []route.Match) {
	if r.opts.PatchRoutesOnNavigation == nil {
		return false, matches
	}
	if matches == nil || route.HasParams(matches) {
		return true, r.matcher.MatchPartial(tree, pathname)
	}
	return false, matches
}

// discoverRoutes runs the discovery callback until pathname fully matches a
// non-degenerate chain, a round leaves the tree unchanged, or the callback
// fails.
func (r *Router) discoverRoutes(ctx context.Context, partial []route.Match, pathname, fetcherKey string) discoverResult {
	for {
		before := r.routes.Load()
		err := r.callDiscover(ctx, partial, pathname, fetcherKey)
		if ctx.Err() != nil {
			return discoverResult{kind: discoverAborted}
		}
		if err != nil {
			return discoverResult{kind: discoverError, partial: partial, err: &DiscoveryError{Path: pathname, Err: err}}
		}

		tree := r.routes.Load()
		full := r.matcher.Match(tree, pathname)
		if full != nil && !route.HasParams(full) {
			return discoverResult{kind: discoverSuccess, matches: full}
		}
		if tree == before {
			r.logger.Debug("route discovery exhausted", "path", pathname, "partial", route.IDs(partial))
			return discoverResult{kind: discoverSuccess, matches: full, partial: partial}
		}
		next := r.matcher.MatchPartial(tree, pathname)
		partial = next
	}
}

// callDiscover invokes the callback once. Concurrent calls for the same
// path and partial chain share one invocation.
func (r *Router) callDiscover(ctx context.Context, partial []route.Match, pathname, fetcherKey string) error {
	key := pathname + "|" + strings.Join(route.IDs(partial), ",")
	ch := r.discovery.DoChan(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		args := DiscoverArgs{
			Path:       pathname,
			Matches:    partial,
			FetcherKey: fetcherKey,
			Patch: func(anchorID string, children []*route.Route) error {
				changed, err := r.routes.Patch(anchorID, children)
				if err != nil {
					return err
				}
				if changed {
					r.logger.Debug("route discovery patched tree", "anchor", anchorID, "children", len(children))
				} else {
					r.logger.Debug("route discovery patch was a no-op", "anchor", anchorID)
				}
				return nil
			},
		}
		_, err := safeCall(anchorOf(partial), func() (any, error) {
			return nil, r.opts.PatchRoutesOnNavigation(shared, args)
		})
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func anchorOf(matches []route.Match) string {
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1].Route.ID
}

// discoveryErrorMatches returns the chain and boundary a discovery error is
// reported against.
func (r *Router) discoveryErrorMatches(partial []route.Match) ([]route.Match, string) {
	if len(partial) > 0 {
		return partial, findNearestBoundary(partial, anchorOf(partial)).Route.ID
	}
	sc := shortCircuitMatches(r.routes.Load())
	return sc, sc[0].Route.ID
}

// shortCircuitMatches returns a single root match used to report errors
// when the location itself did not match.
func shortCircuitMatches(tree *route.Tree) []route.Match {
	routes := tree.Routes()
	var root *route.Route
	if len(routes) == 1 {
		root = routes[0]
	} else {
		for _, rt := range routes {
			if rt.Index || rt.Path == "" || rt.Path == "/" {
				root = rt
				break
			}
		}
	}
	if root == nil {
		root = &route.Route{ID: shimRouteID}
	}
	return []route.Match{{Route: root, Params: map[string]string{}}}
}
