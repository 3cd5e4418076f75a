package history

import (
	"net/url"
	"strings"
)

// Action identifies how a location was reached.
type Action string

const (
	Pop     Action = "POP"
	Push    Action = "PUSH"
	Replace Action = "REPLACE"
)

// Path is the parsed form of a navigation target.
type Path struct {
	// Pathname is the URL path, always beginning with "/" once resolved.
	Pathname string

	// Search is the query string including the leading "?" (or empty).
	Search string

	// Hash is the fragment including the leading "#" (or empty).
	Hash string
}

// Location is a single history entry.
type Location struct {
	Path

	// State is opaque user state attached to the entry.
	State any

	// Key uniquely identifies the entry. The initial entry uses "default".
	Key string

	// Mask is the href shown to the user when it differs from the location
	// used for matching and data loading. Empty when unmasked.
	Mask string
}

// String returns pathname + search + hash.
func (p Path) String() string {
	return p.Pathname + p.Search + p.Hash
}

// Href returns the href that should be persisted for the location,
// preferring the mask when one is set.
func (l Location) Href() string {
	if l.Mask != "" {
		return l.Mask
	}
	return l.String()
}

// ParsePath splits a target into its pathname, search and hash parts.
// The pathname is left as-is (it may be relative or empty).
func ParsePath(to string) Path {
	var p Path
	if i := strings.IndexByte(to, '#'); i >= 0 {
		p.Hash = to[i:]
		to = to[:i]
	}
	if i := strings.IndexByte(to, '?'); i >= 0 {
		p.Search = to[i:]
		to = to[:i]
	}
	p.Pathname = to
	if p.Search == "?" {
		p.Search = ""
	}
	if p.Hash == "#" {
		p.Hash = ""
	}
	return p
}

// Query returns the parsed search parameters.
func (p Path) Query() url.Values {
	v, _ := url.ParseQuery(strings.TrimPrefix(p.Search, "?"))
	return v
}

// URL builds an absolute URL for the path against origin.
func (p Path) URL(origin string) *url.URL {
	u, err := url.Parse(strings.TrimSuffix(origin, "/") + p.String())
	if err != nil {
		return &url.URL{Path: p.Pathname, RawQuery: strings.TrimPrefix(p.Search, "?")}
	}
	return u
}
