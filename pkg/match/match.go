package match

import (
	"strings"
	"sync"

	"github.com/vango-dev/datarouter/pkg/route"
)

// Matcher matches pathnames against a route tree.
type Matcher interface {
	// Match returns the full match chain for pathname, or nil.
	Match(tree *route.Tree, pathname string) []route.Match

	// MatchPartial is like Match but lets the deepest route of a branch
	// match a prefix of pathname. It returns the best chain found.
	MatchPartial(tree *route.Tree, pathname string) []route.Match
}

// Default is the ranked nested-route matcher. Flattened branches are cached
// per tree; trees are immutable so the cache never needs invalidation.
type Default struct {
	mu    sync.Mutex
	tree  *route.Tree
	cache []branch
}

// New creates a Default matcher.
func New() *Default {
	return &Default{}
}

// Match implements Matcher.
func (d *Default) Match(tree *route.Tree, pathname string) []route.Match {
	return matchBranches(d.branches(tree), pathname, false)
}

// MatchPartial implements Matcher.
func (d *Default) MatchPartial(tree *route.Tree, pathname string) []route.Match {
	return matchBranches(d.branches(tree), pathname, true)
}

func (d *Default) branches(tree *route.Tree) []branch {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tree != tree {
		d.tree = tree
		d.cache = flatten(tree.Routes())
	}
	return d.cache
}

// Routes matches pathname against routes without caching.
func Routes(routes []*route.Route, pathname string) []route.Match {
	return matchBranches(flatten(routes), pathname, false)
}

// Partial is the uncached form of Default.MatchPartial.
func Partial(routes []*route.Route, pathname string) []route.Match {
	return matchBranches(flatten(routes), pathname, true)
}

func matchBranches(branches []branch, pathname string, allowPartial bool) []route.Match {
	if pathname == "" {
		pathname = "/"
	}
	for _, b := range branches {
		if m := matchBranch(b, pathname, allowPartial); m != nil {
			return m
		}
	}
	return nil
}

func matchBranch(b branch, pathname string, allowPartial bool) []route.Match {
	params := map[string]string{}
	matched := "/"
	matches := make([]route.Match, 0, len(b.routes))
	for i, meta := range b.routes {
		end := i == len(b.routes)-1
		remaining := pathname
		if matched != "/" {
			remaining = pathname[len(matched):]
			if remaining == "" {
				remaining = "/"
			}
		}
		res, ok := matchPath(meta.relativePath, meta.caseSensitive, end, remaining)
		if !ok && end && allowPartial && !meta.route.Index {
			res, ok = matchPath(meta.relativePath, meta.caseSensitive, false, remaining)
		}
		if !ok {
			return nil
		}
		for k, v := range res.params {
			params[k] = v
		}
		snapshot := make(map[string]string, len(params))
		for k, v := range params {
			snapshot[k] = v
		}
		matches = append(matches, route.Match{
			Route:        meta.route,
			Params:       snapshot,
			Pathname:     JoinPaths(matched, res.pathname),
			PathnameBase: normalizePathname(JoinPaths(matched, res.pathnameBase)),
		})
		if res.pathnameBase != "/" {
			matched = JoinPaths(matched, res.pathnameBase)
		}
	}
	return matches
}

type pathMatch struct {
	params       map[string]string
	pathname     string
	pathnameBase string
}

// matchPath matches a single route pattern against the start of pathname.
// With end set the pattern must consume the whole pathname.
func matchPath(pattern string, caseSensitive, end bool, pathname string) (pathMatch, bool) {
	pat := splitSegments(pattern)
	segs := splitSegments(pathname)

	res := pathMatch{params: map[string]string{}}
	consumed := 0
	for i, p := range pat {
		if isSplat(p) {
			if i != len(pat)-1 {
				return pathMatch{}, false
			}
			name := p[1:]
			if name == "" {
				name = "*"
			}
			rest := make([]string, 0, len(segs)-consumed)
			for _, s := range segs[consumed:] {
				rest = append(rest, decodeSegment(s))
			}
			res.params[name] = strings.Join(rest, "/")
			res.pathnameBase = "/" + strings.Join(segs[:consumed], "/")
			res.pathname = "/" + strings.Join(segs, "/")
			return res, true
		}

		optional := strings.HasSuffix(p, "?")
		p = strings.TrimSuffix(p, "?")
		if consumed >= len(segs) {
			if optional {
				continue
			}
			return pathMatch{}, false
		}
		seg := segs[consumed]
		if strings.HasPrefix(p, ":") {
			res.params[p[1:]] = decodeSegment(seg)
			consumed++
			continue
		}
		if !segmentEqual(p, decodeSegment(seg), caseSensitive) {
			if optional {
				continue
			}
			return pathMatch{}, false
		}
		consumed++
	}

	if end && consumed < len(segs) {
		return pathMatch{}, false
	}
	res.pathname = "/" + strings.Join(segs[:consumed], "/")
	res.pathnameBase = res.pathname
	return res, true
}

func segmentEqual(pattern, seg string, caseSensitive bool) bool {
	if caseSensitive {
		return pattern == seg
	}
	return strings.EqualFold(pattern, seg)
}

func normalizePathname(p string) string {
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
