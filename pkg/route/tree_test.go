package route

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTreeAssignsPositionalIDs(t *testing.T) {
	tree, err := NewTree([]*Route{
		{Path: "/", Children: []*Route{
			{Index: true},
			{Path: "about"},
			{ID: "users", Path: "users", Children: []*Route{{Path: ":id"}}},
		}},
	})
	require.NoError(t, err)

	root := tree.Routes()[0]
	assert.Equal(t, "0", root.ID)
	assert.Equal(t, []string{"0-0", "0-1", "users"}, childIDs(root))
	assert.Equal(t, "0-2-0", root.Children[2].Children[0].ID)
	assert.Equal(t, "users", tree.Parent("0-2-0"))
	assert.Equal(t, 6, tree.Len())
	assert.Same(t, root.Children[1], tree.Find("0-1"))
}

func TestNewTreeCopiesDefinitions(t *testing.T) {
	defs := []*Route{{Path: "a"}}
	tree, err := NewTree(defs)
	require.NoError(t, err)

	defs[0].Path = "b"
	assert.Equal(t, "a", tree.Routes()[0].Path)
	assert.Empty(t, defs[0].ID, "user definitions must not be mutated")
}

func TestNewTreeRejectsInvalidDefinitions(t *testing.T) {
	_, err := NewTree([]*Route{{ID: "x", Path: "a"}, {ID: "x", Path: "b"}})
	assert.True(t, errors.Is(err, ErrDuplicateRouteID), "got %v", err)

	_, err = NewTree([]*Route{{Index: true, Children: []*Route{{Path: "x"}}}})
	assert.True(t, errors.Is(err, ErrIndexRouteChildren), "got %v", err)
}

func TestPatchCopyOnWrite(t *testing.T) {
	tree, err := NewTree([]*Route{
		{ID: "root", Path: "/", Children: []*Route{
			{ID: "a", Path: "a"},
			{ID: "other", Path: "other"},
		}},
	})
	require.NoError(t, err)
	oldRoot := tree.Find("root")
	oldOther := tree.Find("other")

	next, changed, err := tree.Patch("a", []*Route{{Path: "b"}})
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, uint64(1), next.Version())
	assert.Equal(t, []string{"a-patch-0-0"}, childIDs(next.Find("a")))
	assert.Empty(t, tree.Find("a").Children, "previous tree must be untouched")
	assert.Nil(t, tree.Find("a-patch-0-0"))

	assert.NotSame(t, oldRoot, next.Find("root"))
	assert.Same(t, oldOther, next.Find("other"), "untouched branches are shared")
	assert.Same(t, next.Find("a"), next.Find("root").Children[0])
	assert.Equal(t, "a", next.Parent("a-patch-0-0"))
}

func TestPatchIsIdempotent(t *testing.T) {
	tree, err := NewTree([]*Route{{ID: "a", Path: "a"}})
	require.NoError(t, err)

	children := []*Route{{Path: "b", Children: []*Route{{Path: "c"}}}}
	next, changed, err := tree.Patch("a", children)
	require.NoError(t, err)
	require.True(t, changed)

	again, changed, err := next.Patch("a", children)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, next, again)
	assert.Len(t, again.Find("a").Children, 1)

	// Same ID counts as the same route even with a different shape.
	_, changed, err = next.Patch("a", []*Route{{ID: "a-patch-0-0", Path: "zzz"}})
	require.NoError(t, err)
	assert.False(t, changed)

	// A new sibling is appended after existing children.
	next2, changed, err := next.Patch("a", []*Route{{Path: "d"}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"a-patch-0-0", "a-patch-1-0"}, childIDs(next2.Find("a")))
}

func TestPatchTopLevel(t *testing.T) {
	tree, err := NewTree([]*Route{{Path: "/"}})
	require.NoError(t, err)

	next, changed, err := tree.Patch("", []*Route{{Path: "/x"}})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, next.Routes(), 2)
	assert.Equal(t, "_-patch-1-0", next.Routes()[1].ID)
	assert.Len(t, tree.Routes(), 1)
}

func TestPatchInvalidAnchor(t *testing.T) {
	tree, err := NewTree([]*Route{{Path: "/"}})
	require.NoError(t, err)

	_, _, err = tree.Patch("missing", []*Route{{Path: "x"}})
	assert.True(t, errors.Is(err, ErrInvalidPatchAnchor), "got %v", err)
}

func TestStorePatch(t *testing.T) {
	tree, err := NewTree([]*Route{{ID: "a", Path: "a"}})
	require.NoError(t, err)
	s := NewStore(tree)

	changed, err := s.Patch("a", []*Route{{Path: "b"}})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, s.Load().Find("a-patch-0-0"))

	changed, err = s.Patch("a", []*Route{{Path: "b"}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(1), s.Load().Version())
}

func childIDs(r *Route) []string {
	ids := make([]string, len(r.Children))
	for i, c := range r.Children {
		ids[i] = c.ID
	}
	return ids
}
