package instrument

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

// recordingProvider hands out tracers that keep every started span.
type recordingProvider struct {
	noop.TracerProvider

	mu    sync.Mutex
	spans []*recordedSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{p: p}
}

func (p *recordingProvider) recorded() []*recordedSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*recordedSpan(nil), p.spans...)
}

func (p *recordingProvider) byName(name string) []*recordedSpan {
	var out []*recordedSpan
	for _, s := range p.recorded() {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

type recordingTracer struct {
	noop.Tracer
	p *recordingProvider
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordedSpan{name: name, kind: cfg.SpanKind(), attrs: cfg.Attributes()}
	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, s)
	t.p.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordedSpan struct {
	noop.Span

	mu     sync.Mutex
	name   string
	kind   trace.SpanKind
	attrs  []attribute.KeyValue
	status codes.Code
	err    error
	ended  bool
}

func (s *recordedSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordedSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *recordedSpan) attr(key string) (string, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func testRoutes() []*route.Route {
	return []*route.Route{{
		ID:               "root",
		Path:             "/",
		HasErrorBoundary: true,
		Loader: func(route.HandlerArgs) (any, error) {
			return "root", nil
		},
		Children: []*route.Route{
			{
				ID:    "ok",
				Path:  "ok",
				Loader: func(route.HandlerArgs) (any, error) {
					return "ok", nil
				},
			},
			{
				ID:   "missing",
				Path: "missing",
				Loader: func(route.HandlerArgs) (any, error) {
					return nil, route.NewErrorResponse(http.StatusNotFound, "gone")
				},
			},
			{
				ID:   "broken",
				Path: "broken",
				Loader: func(route.HandlerArgs) (any, error) {
					return nil, errors.New("boom")
				},
			},
			{
				ID:   "moved",
				Path: "moved",
				Loader: func(route.HandlerArgs) (any, error) {
					return nil, route.Redirect("/ok")
				},
			},
		},
	}}
}

func newRouter(t *testing.T, instr ...router.Instrumentation) *router.Router {
	t.Helper()
	r, err := router.New(router.Options{
		Routes:           testRoutes(),
		Instrumentations: instr,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	require.NoError(t, r.Initialize(context.Background()))
	return r
}
