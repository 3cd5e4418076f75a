package match

import (
	"sort"
	"strings"

	"github.com/vango-dev/datarouter/pkg/route"
)

const (
	staticSegmentValue  = 10
	dynamicSegmentValue = 3
	emptySegmentValue   = 1
	indexRouteValue     = 2
	splatPenalty        = -2
)

// segmentMeta is one route of a branch.
type segmentMeta struct {
	route         *route.Route
	relativePath  string
	caseSensitive bool
	childIndex    int
}

// branch is the chain of routes from a top-level route to a matchable route.
type branch struct {
	path   string
	score  int
	routes []segmentMeta
}

func flatten(routes []*route.Route) []branch {
	var out []branch
	flattenInto(&out, routes, nil, "")
	rank(out)
	return out
}

func flattenInto(out *[]branch, routes []*route.Route, parents []segmentMeta, parentPath string) {
	for i, r := range routes {
		rel := r.Path
		if strings.HasPrefix(rel, "/") && strings.HasPrefix(rel, parentPath) && parentPath != "" {
			rel = rel[len(parentPath):]
		}
		meta := segmentMeta{
			route:         r,
			relativePath:  rel,
			caseSensitive: r.CaseSensitive,
			childIndex:    i,
		}
		p := JoinPaths(parentPath, rel)
		chain := append(append([]segmentMeta(nil), parents...), meta)

		if len(r.Children) > 0 {
			flattenInto(out, r.Children, chain, p)
		}
		// Pathless layouts only match through their children.
		if r.Path == "" && !r.Index {
			continue
		}
		*out = append(*out, branch{
			path:   p,
			score:  computeScore(p, r.Index),
			routes: chain,
		})
	}
}

func computeScore(p string, index bool) int {
	segments := strings.Split(p, "/")
	score := len(segments)
	for _, s := range segments {
		if isSplat(s) {
			score += splatPenalty
			break
		}
	}
	if index {
		score += indexRouteValue
	}
	for _, s := range segments {
		switch {
		case isSplat(s):
		case strings.HasPrefix(s, ":"):
			score += dynamicSegmentValue
		case s == "":
			score += emptySegmentValue
		default:
			score += staticSegmentValue
		}
	}
	return score
}

func isSplat(s string) bool {
	return strings.HasPrefix(s, "*")
}

// rank orders branches by score, falling back to sibling order for routes
// that share a parent.
func rank(branches []branch) {
	sort.SliceStable(branches, func(i, j int) bool {
		a, b := branches[i], branches[j]
		if a.score != b.score {
			return a.score > b.score
		}
		return compareIndexes(a.routes, b.routes) < 0
	})
}

func compareIndexes(a, b []segmentMeta) int {
	if len(a) != len(b) {
		return 0
	}
	for i := 0; i < len(a)-1; i++ {
		if a[i].route != b[i].route {
			return 0
		}
	}
	return a[len(a)-1].childIndex - b[len(b)-1].childIndex
}
