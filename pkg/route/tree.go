package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrInvalidPatchAnchor is returned when patching children under a
	// route ID that is not in the tree.
	ErrInvalidPatchAnchor = errors.New("route: invalid patch anchor")

	// ErrDuplicateRouteID is returned when two routes share an ID.
	ErrDuplicateRouteID = errors.New("route: duplicate route id")

	// ErrIndexRouteChildren is returned when an index route declares
	// children.
	ErrIndexRouteChildren = errors.New("route: index routes must not have children")
)

// Tree is an immutable route tree. Patch returns a new Tree that shares every
// subtree it did not touch.
type Tree struct {
	routes  []*Route
	byID    map[string]*Route
	parent  map[string]string
	version uint64
}

// NewTree builds a tree from user definitions. Definitions are copied; IDs
// left empty are derived from tree position.
func NewTree(routes []*Route) (*Tree, error) {
	t := &Tree{
		byID:   make(map[string]*Route),
		parent: make(map[string]string),
	}
	out, err := t.convert(routes, "", nil)
	if err != nil {
		return nil, err
	}
	t.routes = out
	return t, nil
}

// convert deep copies defs, assigning IDs as "prefix-i" (or "i" at the root)
// and registering every route under parentID.
func (t *Tree) convert(defs []*Route, parentID string, prefix []string) ([]*Route, error) {
	out := make([]*Route, 0, len(defs))
	for i, def := range defs {
		if def == nil {
			continue
		}
		path := append(append([]string(nil), prefix...), strconv.Itoa(i))
		r := def.shallowCopy()
		if r.ID == "" {
			r.ID = strings.Join(path, "-")
		}
		if r.Index && len(r.Children) > 0 {
			return nil, fmt.Errorf("%w: %q", ErrIndexRouteChildren, r.ID)
		}
		if _, dup := t.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRouteID, r.ID)
		}
		r.lazy = nil
		if r.Lazy != nil {
			r.state()
		}
		t.byID[r.ID] = r
		t.parent[r.ID] = parentID

		if len(def.Children) > 0 {
			children, err := t.convert(def.Children, r.ID, path)
			if err != nil {
				return nil, err
			}
			r.Children = children
		} else {
			r.Children = nil
		}
		out = append(out, r)
	}
	return out, nil
}

// Routes returns the top-level routes. Callers must not modify them.
func (t *Tree) Routes() []*Route {
	return t.routes
}

// Find returns the route with the given ID, or nil.
func (t *Tree) Find(id string) *Route {
	return t.byID[id]
}

// Parent returns the ID of the route's parent, or "" for top-level routes.
func (t *Tree) Parent(id string) string {
	return t.parent[id]
}

// Version increments on every effective patch.
func (t *Tree) Version() uint64 {
	return t.version
}

// Len returns the number of routes in the tree.
func (t *Tree) Len() int {
	return len(t.byID)
}

// Patch adds children under the route identified by anchorID, or at the top
// level when anchorID is empty. Children that are the same as an existing
// sibling are skipped, so repeated patches are idempotent. It reports whether
// the tree changed; when it did not, the receiver is returned.
func (t *Tree) Patch(anchorID string, children []*Route) (*Tree, bool, error) {
	var siblings []*Route
	if anchorID == "" {
		siblings = t.routes
	} else {
		anchor := t.byID[anchorID]
		if anchor == nil {
			return t, false, fmt.Errorf("%w: %q", ErrInvalidPatchAnchor, anchorID)
		}
		if anchor.Index {
			return t, false, fmt.Errorf("%w: %q", ErrIndexRouteChildren, anchorID)
		}
		siblings = anchor.Children
	}

	var unique []*Route
	for _, c := range children {
		if c == nil {
			continue
		}
		if !containsSame(siblings, c) && !containsSame(unique, c) {
			unique = append(unique, c)
		}
	}
	if len(unique) == 0 {
		return t, false, nil
	}

	next := &Tree{
		byID:    make(map[string]*Route, len(t.byID)+len(unique)),
		parent:  make(map[string]string, len(t.parent)+len(unique)),
		version: t.version + 1,
	}
	for id, r := range t.byID {
		next.byID[id] = r
	}
	for id, p := range t.parent {
		next.parent[id] = p
	}

	base := anchorID
	if base == "" {
		base = "_"
	}
	added, err := next.convert(unique, anchorID, []string{base, "patch", strconv.Itoa(len(siblings))})
	if err != nil {
		return t, false, err
	}

	if anchorID == "" {
		next.routes = append(append([]*Route(nil), t.routes...), added...)
		return next, true, nil
	}

	// Copy every route from the anchor up to the root so older trees keep
	// their view.
	anchor := next.byID[anchorID].shallowCopy()
	anchor.Children = append(anchor.Children, added...)
	next.byID[anchorID] = anchor
	child := anchor
	for pid := next.parent[anchorID]; pid != ""; pid = next.parent[pid] {
		p := next.byID[pid].shallowCopy()
		replaceChild(p.Children, child)
		next.byID[pid] = p
		child = p
	}
	next.routes = append([]*Route(nil), t.routes...)
	replaceChild(next.routes, child)
	return next, true, nil
}

func replaceChild(list []*Route, r *Route) {
	for i, c := range list {
		if c.ID == r.ID {
			list[i] = r
			return
		}
	}
}

func containsSame(list []*Route, r *Route) bool {
	for _, existing := range list {
		if sameRoute(r, existing) {
			return true
		}
	}
	return false
}

// sameRoute compares a candidate definition against an existing route: by ID
// when both carry one, otherwise by shape.
func sameRoute(candidate, existing *Route) bool {
	if candidate.ID != "" && existing.ID != "" && candidate.ID == existing.ID {
		return true
	}
	if candidate.Index != existing.Index ||
		candidate.Path != existing.Path ||
		candidate.CaseSensitive != existing.CaseSensitive {
		return false
	}
	if len(candidate.Children) == 0 && len(existing.Children) == 0 {
		return true
	}
	for _, c := range candidate.Children {
		if !containsSame(existing.Children, c) {
			return false
		}
	}
	return true
}

// Store holds the current tree. Readers get a consistent snapshot; writers
// replace it atomically.
type Store struct {
	mu   sync.RWMutex
	tree *Tree
}

// NewStore wraps t.
func NewStore(t *Tree) *Store {
	return &Store{tree: t}
}

// Load returns the current tree.
func (s *Store) Load() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// Patch applies Tree.Patch to the current tree and installs the result.
func (s *Store) Patch(anchorID string, children []*Route) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, changed, err := s.tree.Patch(anchorID, children)
	if err != nil || !changed {
		return false, err
	}
	s.tree = next
	return true, nil
}
