package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	return r
}

// calls counts handler invocations per route ID.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func newCalls() *calls {
	return &calls{n: map[string]int{}}
}

func (c *calls) loader(id string, v any) route.LoaderFunc {
	return func(route.HandlerArgs) (any, error) {
		c.mu.Lock()
		c.n[id]++
		c.mu.Unlock()
		return v, nil
	}
}

func (c *calls) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

// recorder keeps every published snapshot.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func record(r *Router) *recorder {
	rec := &recorder{}
	r.Subscribe(func(st State) {
		rec.mu.Lock()
		rec.states = append(rec.states, st)
		rec.mu.Unlock()
	})
	return rec
}

func (rc *recorder) all() []State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]State(nil), rc.states...)
}

func (rc *recorder) navigationStates() []NavigationState {
	var out []NavigationState
	for _, st := range rc.all() {
		out = append(out, st.Navigation.State)
	}
	return out
}

func TestInitializeLoadsMissingData(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{
		Routes: []*route.Route{{
			ID: "root", Path: "/", Loader: c.loader("root", "root data"),
			Children: []*route.Route{{ID: "home", Index: true, Loader: c.loader("home", "home data")}},
		}},
	})
	assert.False(t, r.State().Initialized)

	require.NoError(t, r.Initialize(context.Background()))

	st := r.State()
	assert.True(t, st.Initialized)
	assert.Equal(t, map[string]any{"root": "root data", "home": "home data"}, st.LoaderData)
	assert.Equal(t, history.Pop, st.HistoryAction)
	assert.Nil(t, st.Errors)

	// A second call is a no-op.
	require.NoError(t, r.Initialize(context.Background()))
	assert.Equal(t, 1, c.get("root"))
}

func TestHydratedRouterSkipsInitialLoad(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{
		Routes: []*route.Route{{ID: "root", Path: "/", Loader: c.loader("root", "fresh")}},
		HydrationData: &HydrationData{
			LoaderData: map[string]any{"root": "hydrated"},
		},
	})
	assert.True(t, r.State().Initialized)
	require.NoError(t, r.Initialize(context.Background()))
	assert.Equal(t, 0, c.get("root"))
	assert.Equal(t, "hydrated", r.State().LoaderData["root"])
}

func appRoutes(c *calls) []*route.Route {
	return []*route.Route{{
		ID: "root", Path: "/", HasErrorBoundary: true, Loader: c.loader("root", "root"),
		Children: []*route.Route{
			{ID: "home", Index: true},
			{ID: "a", Path: "a", Loader: c.loader("a", "a")},
			{ID: "b", Path: "b", Loader: c.loader("b", "b")},
		},
	}}
}

func TestNavigatePushesAndKeepsParentData(t *testing.T) {
	c := newCalls()
	mem := history.NewMemory("/")
	r := newTestRouter(t, Options{Routes: appRoutes(c), History: mem})
	require.NoError(t, r.Initialize(context.Background()))
	rec := record(r)

	require.NoError(t, r.Navigate(context.Background(), "/a"))

	st := r.State()
	assert.Equal(t, "/a", st.Location.Pathname)
	assert.Equal(t, history.Push, st.HistoryAction)
	assert.Equal(t, []string{"root", "a"}, route.IDs(st.Matches))
	assert.Equal(t, map[string]any{"root": "root", "a": "a"}, st.LoaderData)
	assert.Equal(t, 1, c.get("root"), "unchanged parent does not reload")
	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, []NavigationState{Loading, Idle}, rec.navigationStates())

	entries := mem.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "/a", entries[1].Pathname)
}

func TestNavigateSearchChangeRevalidatesEverything(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Navigate(context.Background(), "/a"))

	require.NoError(t, r.Navigate(context.Background(), "/a?page=2"))

	assert.Equal(t, 2, c.get("root"))
	assert.Equal(t, 2, c.get("a"))
	assert.Equal(t, "?page=2", r.State().Location.Search)
}

func TestShouldRevalidateOverride(t *testing.T) {
	c := newCalls()
	var seen []bool
	routes := []*route.Route{{
		ID: "root", Path: "/", Loader: c.loader("root", "root"),
		ShouldRevalidate: func(args route.ShouldRevalidateArgs) any {
			seen = append(seen, args.DefaultShouldRevalidate)
			return false
		},
		Children: []*route.Route{{
			ID: "list", Path: "list", Loader: c.loader("list", "list"),
			// Non-bool answers defer to the default.
			ShouldRevalidate: func(route.ShouldRevalidateArgs) any { return "maybe" },
		}},
	}}
	r := newTestRouter(t, Options{Routes: routes, History: history.NewMemory("/list")})
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.Navigate(context.Background(), "/list?q=x"))

	assert.Equal(t, 1, c.get("root"))
	assert.Equal(t, 2, c.get("list"))
	assert.Equal(t, []bool{true}, seen)
}

func TestNavigateToSameLocationDoesNotReload(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Navigate(context.Background(), "/a"))

	require.NoError(t, r.Navigate(context.Background(), "/a"))

	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, 1, c.get("root"))
}

func TestSupersededNavigationNeverCommits(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "slow", Path: "slow", Loader: func(args route.HandlerArgs) (any, error) {
				once.Do(func() { close(started) })
				<-args.Request.Context().Done()
				return nil, args.Request.Context().Err()
			}},
			{ID: "fast", Path: "fast", Loader: func(route.HandlerArgs) (any, error) { return "fast", nil }},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	rec := record(r)

	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(context.Background(), "/slow") }()
	<-started

	require.NoError(t, r.Navigate(context.Background(), "/fast"))
	require.NoError(t, <-errc)

	st := r.State()
	assert.Equal(t, "/fast", st.Location.Pathname)
	assert.Equal(t, Idle, st.Navigation.State)
	assert.NotContains(t, st.LoaderData, "slow")
	for _, s := range rec.all() {
		assert.NotEqual(t, "/slow", s.Location.Pathname)
	}
}

func TestCancelledNavigationReturnsToIdle(t *testing.T) {
	started := make(chan struct{})
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{{ID: "slow", Path: "slow", Loader: func(args route.HandlerArgs) (any, error) {
			close(started)
			<-args.Request.Context().Done()
			return nil, args.Request.Context().Err()
		}}},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(ctx, "/slow") }()
	<-started
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	st := r.State()
	assert.Equal(t, Idle, st.Navigation.State)
	assert.Equal(t, "/", st.Location.Pathname)
}

func TestLoaderErrorBubblesToBoundary(t *testing.T) {
	boom := errors.New("boom")
	routes := []*route.Route{{
		ID: "root", Path: "/", HasErrorBoundary: true,
		Loader: func(route.HandlerArgs) (any, error) { return "root", nil },
		Children: []*route.Route{{
			ID: "parent", Path: "p",
			Loader: func(route.HandlerArgs) (any, error) { return "parent", nil },
			Children: []*route.Route{{
				ID: "child", Path: "c",
				Loader: func(route.HandlerArgs) (any, error) { return nil, boom },
			}},
		}},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.Navigate(context.Background(), "/p/c"))

	st := r.State()
	require.Len(t, st.Errors, 1)
	assert.ErrorIs(t, st.Errors["root"], boom)
	assert.Equal(t, map[string]any{"root": "root"}, st.LoaderData)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	routes := []*route.Route{{
		ID: "root", Path: "/", HasErrorBoundary: true,
		Loader: func(route.HandlerArgs) (any, error) { panic("kaboom") },
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Initialize(context.Background()))

	var pe *HandlerPanicError
	require.ErrorAs(t, r.State().Errors["root"], &pe)
	assert.Equal(t, "root", pe.RouteID)
	assert.Equal(t, "kaboom", pe.Value)
}

func TestNotFound(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.Navigate(context.Background(), "/nope"))

	st := r.State()
	assert.Equal(t, []string{"root"}, route.IDs(st.Matches))
	var er *ErrorResponse
	require.ErrorAs(t, st.Errors["root"], &er)
	assert.Equal(t, http.StatusNotFound, er.Status)
	assert.True(t, er.Internal)
	assert.ErrorIs(t, st.Errors["root"], ErrNoRouteMatch)
}

func TestHashChangeSkipsLoaders(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Navigate(context.Background(), "/a"))
	rec := record(r)

	require.NoError(t, r.Navigate(context.Background(), "/a#section"))

	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, "#section", r.State().Location.Hash)
	assert.Equal(t, []NavigationState{Idle}, rec.navigationStates())
}

func TestRelativeNavigation(t *testing.T) {
	c := newCalls()
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{{
			ID: "users", Path: "users",
			Children: []*route.Route{
				{ID: "user", Path: ":id", Loader: c.loader("user", "u")},
				{ID: "settings", Path: "settings"},
			},
		}},
	}}
	r := newTestRouter(t, Options{Routes: routes, History: history.NewMemory("/users/7")})
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.Navigate(context.Background(), "../settings"))
	assert.Equal(t, "/users/settings", r.State().Location.Pathname)
}

func TestLoaderRedirect(t *testing.T) {
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "old", Path: "old", Loader: func(route.HandlerArgs) (any, error) {
				return route.Redirect("/new"), nil
			}},
			{ID: "new", Path: "new", Loader: func(route.HandlerArgs) (any, error) { return "new", nil }},
		},
	}}
	mem := history.NewMemory("/")
	r := newTestRouter(t, Options{Routes: routes, History: mem})
	rec := record(r)

	require.NoError(t, r.Navigate(context.Background(), "/old"))

	st := r.State()
	assert.Equal(t, "/new", st.Location.Pathname)
	assert.Equal(t, "new", st.LoaderData["new"])
	assert.Len(t, mem.Entries(), 2)
	for _, s := range rec.all() {
		assert.NotEqual(t, "/old", s.Location.Pathname)
	}
}

func TestThrownRedirectWithReplace(t *testing.T) {
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "old", Path: "old", Loader: func(route.HandlerArgs) (any, error) {
				return nil, route.RedirectReplace("/new")
			}},
			{ID: "new", Path: "new"},
		},
	}}
	mem := history.NewMemory("/")
	r := newTestRouter(t, Options{Routes: routes, History: mem})

	require.NoError(t, r.Navigate(context.Background(), "/old"))

	assert.Equal(t, history.Replace, r.State().HistoryAction)
	entries := mem.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "/new", entries[0].Pathname)
}

func TestExternalRedirect(t *testing.T) {
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{{ID: "out", Path: "out", Loader: func(route.HandlerArgs) (any, error) {
			return route.Redirect("https://elsewhere.example/landing"), nil
		}}},
	}}
	var got *RedirectError
	r := newTestRouter(t, Options{
		Routes:             routes,
		OnExternalRedirect: func(e *RedirectError) { got = e },
	})

	require.NoError(t, r.Navigate(context.Background(), "/out"))

	require.NotNil(t, got)
	assert.True(t, got.External)
	assert.Equal(t, "https://elsewhere.example/landing", got.Location)
	st := r.State()
	assert.Equal(t, "/", st.Location.Pathname)
	assert.Equal(t, Idle, st.Navigation.State)
}

func TestGoPopsHistory(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Navigate(context.Background(), "/a"))
	require.NoError(t, r.Navigate(context.Background(), "/b"))

	require.NoError(t, r.Go(context.Background(), -1))

	st := r.State()
	assert.Equal(t, history.Pop, st.HistoryAction)
	assert.Equal(t, "/a", st.Location.Pathname)
	assert.Equal(t, 2, c.get("a"))
}

func TestRevalidate(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c), History: history.NewMemory("/a")})
	require.NoError(t, r.Initialize(context.Background()))
	rec := record(r)

	require.NoError(t, r.Revalidate(context.Background()))

	assert.Equal(t, 2, c.get("root"))
	assert.Equal(t, 2, c.get("a"))
	states := rec.all()
	require.NotEmpty(t, states)
	assert.Equal(t, RevalidationLoading, states[0].Revalidation)
	last := states[len(states)-1]
	assert.Equal(t, RevalidationIdle, last.Revalidation)
	assert.Equal(t, Idle, last.Navigation.State)
	for _, s := range states {
		assert.Equal(t, Idle, s.Navigation.State)
	}
}

func TestGoOutOfRangeDoesNotNavigate(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	rec := record(r)

	require.NoError(t, r.Go(context.Background(), 5))
	require.NoError(t, r.Go(context.Background(), -5))

	assert.Empty(t, rec.all())
	assert.Equal(t, 1, c.get("root"))
	assert.Equal(t, "/", r.State().Location.Pathname)
}

func TestRevalidateDuringSubmissionKeepsActionData(t *testing.T) {
	c := newCalls()
	started := make(chan struct{})
	release := make(chan struct{})
	routes := []*route.Route{{
		ID: "root", Path: "/", Loader: c.loader("root", "root"),
		Action: func(route.HandlerArgs) (any, error) {
			close(started)
			<-release
			return "saved", nil
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(context.Background(), "/", WithFormData(http.MethodPost, nil)) }()
	<-started

	require.NoError(t, r.Revalidate(context.Background()))
	close(release)
	require.NoError(t, <-errc)

	st := r.State()
	assert.Equal(t, map[string]any{"root": "saved"}, st.ActionData)
	assert.Equal(t, "root", st.LoaderData["root"])
	assert.Equal(t, 1, c.get("root"), "the submission's reload covers the revalidation")
	assert.Equal(t, Idle, st.Navigation.State)
	assert.Equal(t, RevalidationIdle, st.Revalidation)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	var n int
	unsubscribe := r.Subscribe(func(State) { n++ })
	require.NoError(t, r.Navigate(context.Background(), "/a"))
	seen := n
	assert.Positive(t, seen)

	unsubscribe()
	require.NoError(t, r.Navigate(context.Background(), "/b"))
	assert.Equal(t, seen, n)
}

func TestSubscriberMayCallBack(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	var once sync.Once
	r.Subscribe(func(st State) {
		if st.Location.Pathname == "/a" && st.Navigation.State == Idle {
			once.Do(func() { _ = r.Navigate(context.Background(), "/b") })
		}
	})

	require.NoError(t, r.Navigate(context.Background(), "/a"))
	assert.Equal(t, "/b", r.State().Location.Pathname)
}

func TestDispose(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	var n int
	r.Subscribe(func(State) { n++ })
	r.Dispose()

	assert.ErrorIs(t, r.Navigate(context.Background(), "/a"), ErrDisposed)
	assert.ErrorIs(t, r.Fetch(context.Background(), "k", "root", "/a"), ErrDisposed)
	assert.ErrorIs(t, r.Revalidate(context.Background()), ErrDisposed)
	assert.Zero(t, n)
	r.Dispose()
}

func TestGetFormSubmissionLoads(t *testing.T) {
	var gotQuery url.Values
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{{ID: "search", Path: "search", Loader: func(args route.HandlerArgs) (any, error) {
			gotQuery = args.Request.URL.Query()
			return "results", nil
		}}},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	require.NoError(t, r.Navigate(context.Background(), "/search",
		WithFormData(http.MethodGet, url.Values{"q": {"go"}})))

	assert.Equal(t, "go", gotQuery.Get("q"))
	st := r.State()
	assert.Equal(t, "?q=go", st.Location.Search)
	assert.Nil(t, st.ActionData)
}

func TestJSONGetSubmissionIsRejected(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	err := r.Navigate(context.Background(), "/a", WithJSON(http.MethodGet, map[string]any{"x": 1}))
	assert.Error(t, err)
}
