// Package instrument provides ready-made router instrumentations.
//
// Tracing wraps every instrumented call in an OpenTelemetry span and Metrics
// records Prometheus counters and histograms per call kind. Both return a
// router.Instrumentation that is registered through router.Options:
//
//	r, err := router.New(router.Options{
//	    Routes: routes,
//	    Instrumentations: []router.Instrumentation{
//	        instrument.Tracing(instrument.WithTracerName("shop")),
//	        instrument.Metrics(instrument.WithNamespace("shop")),
//	    },
//	})
package instrument
