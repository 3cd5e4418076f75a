package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

// Options configures a Server.
type Options struct {
	// Router is the inspected router. Required.
	Router *router.Router

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// DisableMetrics removes the /metrics endpoint.
	DisableMetrics bool

	// AllowedOrigins are accepted for the WebSocket stream in addition to
	// same-origin requests. "*" allows any origin.
	AllowedOrigins []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP inspector for a router.
//
// Routes:
//
//	GET    /state            current snapshot
//	GET    /routes           route tree
//	GET    /fetchers/{key}   one fetcher
//	DELETE /fetchers/{key}   delete a fetcher
//	POST   /navigate         {"to", "replace", "method", "form", "json"}
//	POST   /fetch            {"key", "routeId", "href", "method", "form", "json"}
//	POST   /revalidate
//	POST   /go               {"delta"}
//	GET    /ws               snapshot stream
//	GET    /metrics          Prometheus metrics
type Server struct {
	router      *router.Router
	logger      *slog.Logger
	hub         *hub
	mux         chi.Router
	seq         atomic.Uint64
	unsubscribe func()
}

// New creates a Server and starts streaming the router's snapshots.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "devtools")

	s := &Server{router: opts.Router, logger: logger}
	s.hub = newHub(s.snapshot(opts.Router.State()), opts.AllowedOrigins, logger)
	s.unsubscribe = opts.Router.Subscribe(func(st router.State) {
		s.hub.publish(s.snapshot(st))
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/state", s.handleState)
	r.Get("/routes", s.handleRoutes)
	r.Get("/fetchers/{key}", s.handleGetFetcher)
	r.Delete("/fetchers/{key}", s.handleDeleteFetcher)
	r.Post("/navigate", s.handleNavigate)
	r.Post("/fetch", s.handleFetch)
	r.Post("/revalidate", s.handleRevalidate)
	r.Post("/go", s.handleGo)
	r.Get("/ws", s.hub.serve)
	if !opts.DisableMetrics {
		gatherer := opts.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux = r
	return s
}

func (s *Server) snapshot(st router.State) Snapshot {
	snap := NewSnapshot(st)
	snap.Seq = s.seq.Add(1)
	return snap
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

// Close stops streaming and disconnects every client.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.close()
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devtools: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("devtools listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// =============================================================================
// Handlers
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

type submissionBody struct {
	Method string              `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Form   map[string][]string `json:"form,omitempty"`
	JSON   any                 `json:"json,omitempty"`
	Text   string              `json:"text,omitempty"`
}

func (b submissionBody) option() router.NavigateOption {
	switch {
	case b.Method == "" && b.Form == nil && b.JSON == nil && b.Text == "":
		return nil
	case b.JSON != nil:
		return router.WithJSON(methodOr(b.Method), b.JSON)
	case b.Text != "":
		return router.WithText(methodOr(b.Method), b.Text)
	default:
		return router.WithFormData(methodOr(b.Method), url.Values(b.Form))
	}
}

func methodOr(m string) string {
	if m == "" {
		return http.MethodPost
	}
	return m
}

type navigateRequest struct {
	To      string `json:"to" validate:"required"`
	Replace bool   `json:"replace,omitempty"`
	submissionBody
}

type fetchRequest struct {
	Key     string `json:"key" validate:"required"`
	RouteID string `json:"routeId" validate:"required"`
	Href    string `json:"href" validate:"required"`
	submissionBody
}

type goRequest struct {
	Delta int `json:"delta" validate:"required"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.latest())
}

// RouteInfo is the JSON view of a route definition.
type RouteInfo struct {
	ID            string      `json:"id"`
	Path          string      `json:"path,omitempty"`
	Index         bool        `json:"index,omitempty"`
	HasLoader     bool        `json:"hasLoader,omitempty"`
	HasAction     bool        `json:"hasAction,omitempty"`
	ErrorBoundary bool        `json:"errorBoundary,omitempty"`
	Lazy          bool        `json:"lazy,omitempty"`
	Children      []RouteInfo `json:"children,omitempty"`
}

func routeInfos(routes []*route.Route) []RouteInfo {
	out := make([]RouteInfo, 0, len(routes))
	for _, rt := range routes {
		out = append(out, RouteInfo{
			ID:            rt.ID,
			Path:          rt.Path,
			Index:         rt.Index,
			HasLoader:     rt.EffectiveLoader() != nil,
			HasAction:     rt.EffectiveAction() != nil,
			ErrorBoundary: rt.EffectiveHasErrorBoundary(),
			Lazy:          rt.LazyPending(),
			Children:      routeInfos(rt.Children),
		})
	}
	return out
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, routeInfos(s.router.Routes().Routes()))
}

func (s *Server) handleGetFetcher(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	st := s.router.State()
	f, ok := st.Fetchers[key]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("no fetcher %q", key)})
		return
	}
	writeJSON(w, http.StatusOK, FetcherState{
		State:      string(f.State),
		Data:       jsonSafe(f.Data),
		Submission: newSubmission(f.Submission),
	})
}

func (s *Server) handleDeleteFetcher(w http.ResponseWriter, r *http.Request) {
	s.router.DeleteFetcher(chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if !decode(w, r, &req) {
		return
	}
	opts := []router.NavigateOption{req.option()}
	if req.Replace {
		opts = append(opts, router.WithReplace())
	}
	s.respond(w, s.router.Navigate(r.Context(), req.To, opts...))
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.router.Fetch(r.Context(), req.Key, req.RouteID, req.Href, req.option()))
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.router.Revalidate(r.Context()))
}

func (s *Server) handleGo(w http.ResponseWriter, r *http.Request) {
	var req goRequest
	if !decode(w, r, &req) {
		return
	}
	s.respond(w, s.router.Go(r.Context(), req.Delta))
}

// respond writes the state reached by a driven operation, or its error.
func (s *Server) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, NewSnapshot(s.router.State()))
	case errors.Is(err, router.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, router.ErrDisposed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusConflict, errorBody{Error: "superseded: " + err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
