package route

// Match binds a route to the portion of a pathname it matched. Matches are
// produced fresh by every matcher call and never mutated.
type Match struct {
	Route *Route

	// Params holds every param matched up to and including this route.
	Params map[string]string

	// Pathname is the portion of the URL pathname matched by this route.
	Pathname string

	// PathnameBase is Pathname without any splat portion.
	PathnameBase string
}

// IDs returns the route IDs of a match chain.
func IDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Route.ID
	}
	return ids
}

// SameChain reports whether two match chains consist of the same routes.
func SameChain(a, b []Match) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Route.ID != b[i].Route.ID {
			return false
		}
	}
	return true
}

// HasParams reports whether any match in the chain bound a dynamic or splat
// segment.
func HasParams(matches []Match) bool {
	for _, m := range matches {
		if len(m.Params) > 0 {
			return true
		}
	}
	return false
}
