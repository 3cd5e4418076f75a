package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/datarouter/pkg/route"
)

func lastID(matches []route.Match) string {
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1].Route.ID
}

func TestDiscoveryPatchesIncrementally(t *testing.T) {
	var n atomic.Int32
	discover := func(_ context.Context, args DiscoverArgs) error {
		n.Add(1)
		switch lastID(args.Matches) {
		case "a":
			return args.Patch("a", []*route.Route{{ID: "b", Path: "b"}})
		case "b":
			return args.Patch("b", []*route.Route{{
				ID: "c", Path: "c",
				Loader: func(route.HandlerArgs) (any, error) { return "c", nil },
			}})
		}
		return nil
	}
	r := newTestRouter(t, Options{
		Routes:                  []*route.Route{{ID: "a", Path: "/a"}},
		PatchRoutesOnNavigation: discover,
	})

	require.NoError(t, r.Navigate(context.Background(), "/a/b/c"))

	st := r.State()
	assert.Equal(t, []string{"a", "b", "c"}, route.IDs(st.Matches))
	assert.Equal(t, "c", st.LoaderData["c"])
	assert.Equal(t, int32(2), n.Load())

	// Once discovered, the path matches statically.
	require.NoError(t, r.Navigate(context.Background(), "/a"))
	require.NoError(t, r.Navigate(context.Background(), "/a/b/c"))
	assert.Equal(t, int32(2), n.Load())
	assert.NotNil(t, r.Routes().Find("c"))
}

func TestDiscoveryOutranksSplat(t *testing.T) {
	var n atomic.Int32
	discover := func(_ context.Context, args DiscoverArgs) error {
		n.Add(1)
		if args.Path == "/static" {
			return args.Patch("root", []*route.Route{{ID: "static", Path: "static"}})
		}
		return nil
	}
	r := newTestRouter(t, Options{
		Routes: []*route.Route{{
			ID: "root", Path: "/",
			Children: []*route.Route{{ID: "splat", Path: "*"}},
		}},
		PatchRoutesOnNavigation: discover,
	})

	require.NoError(t, r.Navigate(context.Background(), "/static"))
	assert.Equal(t, []string{"root", "static"}, route.IDs(r.State().Matches))

	// Nothing to discover: the splat match stands.
	require.NoError(t, r.Navigate(context.Background(), "/other/thing"))
	assert.Equal(t, []string{"root", "splat"}, route.IDs(r.State().Matches))
	assert.Equal(t, int32(2), n.Load())
}

func TestDiscoveryError(t *testing.T) {
	failed := errors.New("manifest unavailable")
	r := newTestRouter(t, Options{
		Routes: []*route.Route{{ID: "root", Path: "/", HasErrorBoundary: true}},
		PatchRoutesOnNavigation: func(context.Context, DiscoverArgs) error {
			return failed
		},
	})

	require.NoError(t, r.Navigate(context.Background(), "/missing"))

	err := r.State().Errors["root"]
	assert.ErrorIs(t, err, failed)
	var de *DiscoveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "/missing", de.Path)
}

func TestDiscoveryExhaustedIsNotFound(t *testing.T) {
	var n atomic.Int32
	r := newTestRouter(t, Options{
		Routes: []*route.Route{{ID: "root", Path: "/", HasErrorBoundary: true}},
		PatchRoutesOnNavigation: func(context.Context, DiscoverArgs) error {
			n.Add(1)
			return nil
		},
	})

	require.NoError(t, r.Navigate(context.Background(), "/nowhere"))

	assert.ErrorIs(t, r.State().Errors["root"], ErrNoRouteMatch)
	assert.Equal(t, int32(1), n.Load())
}

func TestFetcherDiscovery(t *testing.T) {
	var keys []string
	discover := func(_ context.Context, args DiscoverArgs) error {
		keys = append(keys, args.FetcherKey)
		return args.Patch("root", []*route.Route{{
			ID: "data", Path: "data",
			Loader: func(route.HandlerArgs) (any, error) { return 42, nil },
		}})
	}
	r := newTestRouter(t, Options{
		Routes:                  []*route.Route{{ID: "root", Path: "/"}},
		PatchRoutesOnNavigation: discover,
	})

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/data"))

	assert.Equal(t, []string{"k"}, keys)
	assert.Equal(t, 42, r.GetFetcher("k").Data)
}

func TestPatchRoutes(t *testing.T) {
	r := newTestRouter(t, Options{Routes: []*route.Route{{ID: "root", Path: "/"}}})

	require.NoError(t, r.PatchRoutes("root", []*route.Route{{
		ID: "late", Path: "late",
		Loader: func(route.HandlerArgs) (any, error) { return "late", nil },
	}}))
	require.NoError(t, r.Navigate(context.Background(), "/late"))
	assert.Equal(t, "late", r.State().LoaderData["late"])

	assert.ErrorIs(t, r.PatchRoutes("nope", nil), ErrInvalidPatchAnchor)
}
