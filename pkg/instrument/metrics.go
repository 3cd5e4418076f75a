package instrument

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

// MetricsConfig configures the Prometheus instrumentation.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "datarouter").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus instrumentation.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "datarouter",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Call statuses used as the "status" label.
const (
	StatusSuccess  = "success"
	StatusRedirect = "redirect"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

type metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
	inFlight     *prometheus.GaugeVec
}

func newMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of instrumented router calls",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "status"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Router call duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),

		callErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_errors_total",
			Help:        "Total number of failed router calls by error type",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "error_type"}),

		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_in_flight",
			Help:        "Number of router calls currently running",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
	}
}

// Metrics creates an instrumentation that records Prometheus metrics for
// every router call.
//
// Metrics collected:
//   - datarouter_calls_total: Counter of calls by kind and status
//   - datarouter_call_duration_seconds: Histogram of call duration by kind
//   - datarouter_call_errors_total: Counter of failed calls by kind and error type
//   - datarouter_calls_in_flight: Gauge of running calls by kind
//
// The collectors are registered on the configured registry when Metrics is
// called, so it must be called once per registry.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	r, _ := router.New(router.Options{
//	    Instrumentations: []router.Instrumentation{
//	        instrument.Metrics(instrument.WithRegistry(reg)),
//	    },
//	})
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
func Metrics(opts ...MetricsOption) router.Instrumentation {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	m := newMetrics(config)

	wrap := func(ctx context.Context, info router.CallInfo, call func() router.CallResult) error {
		kind := string(info.Kind)
		m.inFlight.WithLabelValues(kind).Inc()
		defer m.inFlight.WithLabelValues(kind).Dec()

		start := time.Now()
		res := call()
		m.callDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

		status := callStatus(res.Err)
		if status == StatusError {
			m.callErrors.WithLabelValues(kind, categorizeError(res.Err)).Inc()
		}
		m.callsTotal.WithLabelValues(kind, status).Inc()
		return nil
	}

	return forKinds(wrap, nil)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	}
	if _, ok := route.AsRedirect(err); ok {
		return StatusRedirect
	}
	return StatusError
}

// categorizeError returns a low-cardinality category for err.
func categorizeError(err error) string {
	var (
		errResp    *route.ErrorResponse
		panicErr   *router.HandlerPanicError
		lazyErr    *route.LazyError
		mwErr      *router.MiddlewareError
		discErr    *router.DiscoveryError
		dsErr      *router.DataStrategyError
		redirectEx *router.RedirectError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &errResp):
		switch {
		case errResp.Status == http.StatusNotFound:
			return "not_found"
		case errResp.Status == http.StatusMethodNotAllowed:
			return "method_not_allowed"
		case errResp.Status >= 500:
			return "server_" + strconv.Itoa(errResp.Status/100) + "xx"
		default:
			return "client_" + strconv.Itoa(errResp.Status/100) + "xx"
		}
	case errors.As(err, &panicErr):
		return "panic"
	case errors.As(err, &lazyErr):
		return "lazy"
	case errors.As(err, &mwErr):
		return "middleware"
	case errors.As(err, &discErr):
		return "discovery"
	case errors.As(err, &dsErr):
		return "data_strategy"
	case errors.As(err, &redirectEx):
		return "external_redirect"
	case errors.Is(err, router.ErrDisposed):
		return "disposed"
	default:
		return "internal"
	}
}
