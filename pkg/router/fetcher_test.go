package router

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
)

func fetcherStates(states []State, key string) []NavigationState {
	var out []NavigationState
	for _, st := range states {
		if f, ok := st.Fetchers[key]; ok {
			if len(out) == 0 || out[len(out)-1] != f.State {
				out = append(out, f.State)
			}
		}
	}
	return out
}

func TestFetcherLoad(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Initialize(context.Background()))
	rec := record(r)

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/a"))

	f := r.GetFetcher("k")
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, "a", f.Data)
	assert.Equal(t, []NavigationState{Loading, Idle}, fetcherStates(rec.all(), "k"))
	// Fetching does not navigate.
	assert.Equal(t, "/", r.State().Location.Pathname)
	assert.NotContains(t, r.State().LoaderData, "a")
}

func TestGetFetcherDefaultsToIdle(t *testing.T) {
	r := newTestRouter(t, Options{Routes: appRoutes(newCalls())})
	assert.Equal(t, Fetcher{Key: "missing", State: Idle}, r.GetFetcher("missing"))
}

func TestFetchUnknownRoute(t *testing.T) {
	r := newTestRouter(t, Options{Routes: appRoutes(newCalls())})
	assert.ErrorIs(t, r.Fetch(context.Background(), "k", "nope", "/a"), ErrNotFound)
}

func TestFetcherLoadError(t *testing.T) {
	boom := errors.New("boom")
	routes := []*route.Route{{
		ID: "root", Path: "/", HasErrorBoundary: true,
		Children: []*route.Route{{ID: "broken", Path: "broken", Loader: func(route.HandlerArgs) (any, error) {
			return nil, boom
		}}},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/broken"))

	st := r.State()
	assert.ErrorIs(t, st.Errors["root"], boom)
	assert.NotContains(t, st.Fetchers, "k")
}

func TestFetcherNotFound(t *testing.T) {
	r := newTestRouter(t, Options{Routes: appRoutes(newCalls())})
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/missing"))

	var er *ErrorResponse
	require.ErrorAs(t, r.State().Errors["root"], &er)
	assert.Equal(t, http.StatusNotFound, er.Status)
}

func TestFetcherSubmitRevalidatesWithoutFlicker(t *testing.T) {
	c := newCalls()
	routes := []*route.Route{{
		ID: "root", Path: "/", Loader: c.loader("root", "root"),
		Children: []*route.Route{{
			ID: "todos", Path: "todos", Loader: c.loader("todos", "todos"),
			Action: func(args route.HandlerArgs) (any, error) {
				if err := args.Request.ParseForm(); err != nil {
					return nil, err
				}
				return "added " + args.Request.PostForm.Get("title"), nil
			},
		}},
	}}
	r := newTestRouter(t, Options{Routes: routes, History: history.NewMemory("/todos")})
	require.NoError(t, r.Initialize(context.Background()))
	rec := record(r)

	require.NoError(t, r.Fetch(context.Background(), "add", "todos", "/todos",
		WithFormData(http.MethodPost, url.Values{"title": {"milk"}})))

	assert.Equal(t, 2, c.get("root"))
	assert.Equal(t, 2, c.get("todos"))
	states := rec.all()
	assert.Equal(t, []NavigationState{Submitting, Loading, Idle}, fetcherStates(states, "add"))

	for _, st := range states {
		f := st.Fetchers["add"]
		switch f.State {
		case Loading:
			// The action's data is visible while the page reloads.
			assert.Equal(t, "added milk", f.Data)
			require.NotNil(t, f.Submission)
		case Idle:
			assert.Equal(t, "added milk", f.Data)
		}
	}
	final := r.GetFetcher("add")
	assert.Equal(t, Fetcher{Key: "add", State: Idle, Data: "added milk"}, final)
	assert.Equal(t, Idle, r.State().Navigation.State)
	assert.Nil(t, r.State().ActionData)
}

func TestFetcherRevalidatesWithNavigationSubmission(t *testing.T) {
	c := newCalls()
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Action: func(route.HandlerArgs) (any, error) { return "ok", nil },
		Children: []*route.Route{
			{ID: "home", Index: true},
			{ID: "count", Path: "count", Loader: c.loader("count", 1)},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Fetch(context.Background(), "counter", "root", "/count"))
	require.Equal(t, 1, c.get("count"))

	require.NoError(t, r.Navigate(context.Background(), "/", WithFormData(http.MethodPost, nil)))

	assert.Equal(t, 2, c.get("count"), "loaded fetchers revalidate after a mutation")
	assert.Equal(t, Idle, r.GetFetcher("counter").State)

	// Plain navigations leave loaded fetchers alone.
	require.NoError(t, r.Navigate(context.Background(), "/?x=1"))
	assert.Equal(t, 2, c.get("count"))
}

func TestFetchSupersedesSameKey(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "slow", Path: "slow", Loader: func(args route.HandlerArgs) (any, error) {
				once.Do(func() { close(started) })
				<-args.Request.Context().Done()
				return "slow", nil
			}},
			{ID: "fast", Path: "fast", Loader: func(route.HandlerArgs) (any, error) { return "fast", nil }},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	errc := make(chan error, 1)
	go func() { errc <- r.Fetch(context.Background(), "k", "root", "/slow") }()
	<-started
	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/fast"))
	require.NoError(t, <-errc)

	assert.Equal(t, "fast", r.GetFetcher("k").Data)
}

func TestDeleteFetcher(t *testing.T) {
	c := newCalls()
	r := newTestRouter(t, Options{Routes: appRoutes(c)})
	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/a"))
	require.Contains(t, r.State().Fetchers, "k")

	r.DeleteFetcher("k")

	assert.NotContains(t, r.State().Fetchers, "k")
	assert.Equal(t, Idle, r.GetFetcher("k").State)
}

func TestFetcherActionRedirectNavigates(t *testing.T) {
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "login", Path: "login", Action: func(route.HandlerArgs) (any, error) {
				return route.Redirect("/dashboard"), nil
			}},
			{ID: "dashboard", Path: "dashboard", Loader: func(route.HandlerArgs) (any, error) { return "dash", nil }},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})

	require.NoError(t, r.Fetch(context.Background(), "login", "root", "/login", WithFormData(http.MethodPost, nil)))

	st := r.State()
	assert.Equal(t, "/dashboard", st.Location.Pathname)
	assert.Equal(t, "dash", st.LoaderData["dashboard"])
	assert.Equal(t, Idle, r.GetFetcher("login").State)
}

func TestNewerFetchWinsOverNavigationRevalidation(t *testing.T) {
	var loads atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Action: func(route.HandlerArgs) (any, error) { return "ok", nil },
		Children: []*route.Route{
			{ID: "home", Index: true},
			{ID: "count", Path: "count", Loader: func(args route.HandlerArgs) (any, error) {
				if loads.Add(1) == 1 {
					return "count", nil
				}
				close(started)
				select {
				case <-args.Request.Context().Done():
				case <-release:
				}
				return "stale", nil
			}},
			{ID: "fast", Path: "fast", Loader: func(route.HandlerArgs) (any, error) { return "fast", nil }},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/count"))

	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(context.Background(), "/", WithFormData(http.MethodPost, nil)) }()
	<-started

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/fast"))
	close(release)
	require.NoError(t, <-errc)

	f := r.GetFetcher("k")
	assert.Equal(t, Idle, f.State)
	assert.Equal(t, "fast", f.Data)
	assert.Equal(t, Idle, r.State().Navigation.State)

	// The key now loads from /fast.
	require.NoError(t, r.Navigate(context.Background(), "/", WithFormData(http.MethodPost, nil)))
	assert.Equal(t, "fast", r.GetFetcher("k").Data)
	assert.Equal(t, int32(2), loads.Load())
}

func TestFetcherMutationDuringNavigationReloadsPage(t *testing.T) {
	var count atomic.Int32
	var pageLoads atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Children: []*route.Route{
			{ID: "home", Index: true},
			{ID: "page", Path: "page", Loader: func(route.HandlerArgs) (any, error) {
				v := count.Load()
				if pageLoads.Add(1) == 1 {
					close(started)
					<-release
				}
				return v, nil
			}},
			{ID: "inc", Path: "inc", Action: func(route.HandlerArgs) (any, error) {
				count.Add(1)
				return "done", nil
			}},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Initialize(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(context.Background(), "/page") }()
	<-started

	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/inc", WithFormData(http.MethodPost, nil)))
	close(release)
	require.NoError(t, <-errc)

	st := r.State()
	assert.Equal(t, "/page", st.Location.Pathname)
	assert.Equal(t, int32(1), st.LoaderData["page"])
	assert.Equal(t, int32(2), pageLoads.Load())
	assert.Equal(t, Fetcher{Key: "k", State: Idle, Data: "done"}, r.GetFetcher("k"))
	assert.Equal(t, Idle, st.Navigation.State)
}

func TestDeleteFetcherDuringNavigationRevalidation(t *testing.T) {
	var loads atomic.Int32
	started := make(chan struct{})
	routes := []*route.Route{{
		ID: "root", Path: "/",
		Action: func(route.HandlerArgs) (any, error) { return "ok", nil },
		Children: []*route.Route{
			{ID: "home", Index: true},
			{ID: "count", Path: "count", Loader: func(args route.HandlerArgs) (any, error) {
				if loads.Add(1) == 1 {
					return "count", nil
				}
				close(started)
				<-args.Request.Context().Done()
				return "stale", nil
			}},
		},
	}}
	r := newTestRouter(t, Options{Routes: routes})
	require.NoError(t, r.Fetch(context.Background(), "k", "root", "/count"))

	errc := make(chan error, 1)
	go func() { errc <- r.Navigate(context.Background(), "/", WithFormData(http.MethodPost, nil)) }()
	<-started

	r.DeleteFetcher("k")
	require.NoError(t, <-errc)

	assert.NotContains(t, r.State().Fetchers, "k")
	assert.Equal(t, map[string]any{"root": "ok"}, r.State().ActionData)
}
