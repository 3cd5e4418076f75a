package devtools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/datarouter/pkg/instrument"
	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

func testRoutes() []*route.Route {
	return []*route.Route{{
		ID:               "root",
		Path:             "/",
		HasErrorBoundary: true,
		Loader:           func(route.HandlerArgs) (any, error) { return "root", nil },
		Children: []*route.Route{{
			ID:   "items",
			Path: "items",
			Loader: func(route.HandlerArgs) (any, error) {
				return []string{"a", "b"}, nil
			},
			Action: func(a route.HandlerArgs) (any, error) {
				if err := a.Request.ParseForm(); err != nil {
					return nil, err
				}
				return "saved " + a.Request.PostForm.Get("name"), nil
			},
		}},
	}}
}

type fixture struct {
	router *router.Router
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	r, err := router.New(router.Options{
		Routes:           testRoutes(),
		Instrumentations: []router.Instrumentation{instrument.Metrics(instrument.WithRegistry(reg))},
		Logger:           logger,
	})
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	require.NoError(t, r.Initialize(context.Background()))

	opts.Router = r
	opts.Logger = logger
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	srv := New(opts)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{router: r, server: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeSnapshot(t *testing.T, data []byte) Snapshot {
	t.Helper()
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestServerState(t *testing.T) {
	f := newFixture(t, Options{})

	resp, data := f.do(t, http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	snap := decodeSnapshot(t, data)
	assert.Equal(t, "/", snap.Location.Pathname)
	assert.True(t, snap.Initialized)
	assert.Equal(t, "root", snap.LoaderData["root"])
	assert.NotZero(t, snap.Seq)
}

func TestServerNavigateAndSubmit(t *testing.T) {
	f := newFixture(t, Options{})

	resp, data := f.do(t, http.MethodPost, "/navigate", map[string]any{"to": "/items"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	snap := decodeSnapshot(t, data)
	assert.Equal(t, "/items", snap.Location.Pathname)
	assert.Equal(t, []any{"a", "b"}, snap.LoaderData["items"])

	resp, data = f.do(t, http.MethodPost, "/navigate", map[string]any{
		"to":   "/items",
		"form": map[string][]string{"name": {"Ada"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	snap = decodeSnapshot(t, data)
	assert.Equal(t, "saved Ada", snap.ActionData["items"])
	assert.Equal(t, "REPLACE", snap.HistoryAction)

	resp, data = f.do(t, http.MethodPost, "/go", map[string]any{"delta": -1})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "/", decodeSnapshot(t, data).Location.Pathname)

	resp, _ = f.do(t, http.MethodPost, "/revalidate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerFetchers(t *testing.T) {
	f := newFixture(t, Options{})

	resp, data := f.do(t, http.MethodPost, "/fetch", map[string]any{
		"key": "list", "routeId": "root", "href": "/items",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "idle", decodeSnapshot(t, data).Fetchers["list"].State)

	resp, data = f.do(t, http.MethodGet, "/fetchers/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fs FetcherState
	require.NoError(t, json.Unmarshal(data, &fs))
	assert.Equal(t, []any{"a", "b"}, fs.Data)

	resp, _ = f.do(t, http.MethodDelete, "/fetchers/list", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/fetchers/list", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/fetch", map[string]any{
		"key": "x", "routeId": "nope", "href": "/items",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRejectsBadBodies(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		path string
		body any
	}{
		{"/navigate", map[string]any{}},
		{"/navigate", map[string]any{"to": "/items", "method": "BREW"}},
		{"/fetch", map[string]any{"key": "k"}},
		{"/go", map[string]any{"delta": 0}},
		{"/navigate", "not an object"},
	}
	for _, tt := range tests {
		resp, _ := f.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%s %v", tt.path, tt.body)
	}
}

func TestServerRoutes(t *testing.T) {
	f := newFixture(t, Options{})

	resp, data := f.do(t, http.MethodGet, "/routes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var routes []RouteInfo
	require.NoError(t, json.Unmarshal(data, &routes))
	require.Len(t, routes, 1)
	assert.Equal(t, "root", routes[0].ID)
	assert.True(t, routes[0].ErrorBoundary)
	require.Len(t, routes[0].Children, 1)
	assert.True(t, routes[0].Children[0].HasAction)
}

func TestServerMetrics(t *testing.T) {
	f := newFixture(t, Options{})

	_, body := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, string(body), `datarouter_calls_total{kind="loader",status="success"}`)

	g := newFixture(t, Options{DisableMetrics: true})
	resp, _ := g.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServerStream(t *testing.T) {
	f := newFixture(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readMessage(t, conn)
	assert.Equal(t, MessageHello, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	require.NotNil(t, hello.State)
	assert.Equal(t, "/", hello.State.Location.Pathname)

	require.Eventually(t, func() bool { return f.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, f.router.Navigate(context.Background(), "/items"))

	var states []string
	last := hello.State.Seq
	for {
		msg := readMessage(t, conn)
		require.Equal(t, MessageState, msg.Type)
		assert.Greater(t, msg.State.Seq, last)
		last = msg.State.Seq
		states = append(states, msg.State.Navigation.State)
		if msg.State.Navigation.State == "idle" {
			assert.Equal(t, "/items", msg.State.Location.Pathname)
			break
		}
	}
	assert.Equal(t, []string{"loading", "idle"}, states)

	f.server.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServerStreamOrigin(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"http://tools.example"}})
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://tools.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/state")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
