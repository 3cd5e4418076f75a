package instrument

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/datarouter/pkg/router"
)

const defaultTracerName = "datarouter"

// OTelConfig configures the tracing instrumentation.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "datarouter").
	TracerName string

	// TracerProvider supplies the tracer. Defaults to the global provider.
	TracerProvider trace.TracerProvider

	// IncludeURL records the request URL on every span. Enabled by default.
	// URLs may carry query strings with user data.
	IncludeURL bool

	// Filter decides which calls are traced. Nil traces everything.
	Filter func(info router.CallInfo) bool

	// AttributeExtractor adds custom attributes to each span.
	AttributeExtractor func(info router.CallInfo) []attribute.KeyValue

	// Kinds restricts tracing to the listed call kinds. Empty means all.
	Kinds []router.CallKind
}

// OTelOption configures the tracing instrumentation.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider uses tp instead of the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeURL enables or disables the url attribute.
func WithIncludeURL(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeURL = include
	}
}

// WithCallFilter sets a filter function for calls.
func WithCallFilter(filter func(info router.CallInfo) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(info router.CallInfo) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// WithKinds restricts tracing to the given call kinds.
func WithKinds(kinds ...router.CallKind) OTelOption {
	return func(c *OTelConfig) {
		c.Kinds = kinds
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
		IncludeURL: true,
	}
}

// Tracing creates an instrumentation that starts a span around every
// navigate, fetch, middleware, loader, action and lazy call.
//
// Spans are named "datarouter.<kind>" and carry the route id, method,
// URL and fetcher key of the call. A call that returns an error records it
// and sets the span status to Error.
//
// The tracer comes from the global OpenTelemetry provider unless
// WithTracerProvider is given. Configure it in main():
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func Tracing(opts ...OTelOption) router.Instrumentation {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	tracer := provider.Tracer(config.TracerName)

	wrap := func(ctx context.Context, info router.CallInfo, call func() router.CallResult) error {
		if config.Filter != nil && !config.Filter(info) {
			call()
			return nil
		}

		_, span := tracer.Start(ctx, SpanName(info.Kind),
			trace.WithSpanKind(spanKind(info.Kind)),
			trace.WithAttributes(spanAttributes(config, info)...),
		)
		defer span.End()

		res := call()
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return nil
	}

	return forKinds(wrap, config.Kinds)
}

// SpanName returns the span name used for kind.
func SpanName(kind router.CallKind) string {
	return fmt.Sprintf("datarouter.%s", kind)
}

func spanKind(kind router.CallKind) trace.SpanKind {
	switch kind {
	case router.CallNavigate, router.CallFetch:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

func spanAttributes(config OTelConfig, info router.CallInfo) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("datarouter.kind", string(info.Kind)),
	}
	if info.RouteID != "" {
		attrs = append(attrs, attribute.String("datarouter.route_id", info.RouteID))
	}
	if info.Method != "" {
		attrs = append(attrs, attribute.String("http.request.method", info.Method))
	}
	if config.IncludeURL && info.URL != "" {
		attrs = append(attrs, attribute.String("url.full", info.URL))
	}
	if info.FetcherKey != "" {
		attrs = append(attrs, attribute.String("datarouter.fetcher_key", info.FetcherKey))
	}
	if config.AttributeExtractor != nil {
		attrs = append(attrs, config.AttributeExtractor(info)...)
	}
	return attrs
}

// forKinds registers fn for the listed kinds, or for every kind when the
// list is empty.
func forKinds(fn router.InstrumentFunc, kinds []router.CallKind) router.Instrumentation {
	all := len(kinds) == 0
	want := make(map[router.CallKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	pick := func(kind router.CallKind) router.InstrumentFunc {
		if all || want[kind] {
			return fn
		}
		return nil
	}
	return router.Instrumentation{
		Navigate:   pick(router.CallNavigate),
		Fetch:      pick(router.CallFetch),
		Middleware: pick(router.CallMiddleware),
		Loader:     pick(router.CallLoader),
		Action:     pick(router.CallAction),
		Lazy:       pick(router.CallLazy),
	}
}
