// Package devtools serves an HTTP inspector for a router.
//
// The inspector exposes the current snapshot as JSON, streams every
// committed snapshot over a WebSocket, serves Prometheus metrics and
// accepts POST requests that drive navigations, fetchers and revalidation.
// It is meant for development and simulation, not for production traffic.
//
//	srv := devtools.New(devtools.Options{Router: r, Gatherer: reg})
//	defer srv.Close()
//	http.ListenAndServe("localhost:7070", srv.Handler())
package devtools
