// Package router implements a client-side data router: a state machine that
// turns navigations, form submissions and fetcher calls into loader and
// action invocations and publishes the result as immutable State snapshots.
//
// A navigation moves through idle, submitting (when it carries a mutating
// submission) and loading before it commits. Starting another navigation
// aborts the one in flight; an aborted navigation never commits. Fetchers run
// loaders and actions under a key without touching history, and a fetcher
// submission revalidates the page once its action succeeds.
//
// Handlers run inside the middleware declared along their match chain, root
// first. A DataStrategyFunc may replace how the handlers of a phase are
// invoked, as long as it resolves every match that should load.
//
// Routes may be discovered while navigating through
// Options.PatchRoutesOnNavigation, and route fields may be supplied lazily
// through route.Route.Lazy.
//
// Basic usage:
//
//	r, err := router.New(router.Options{Routes: routes})
//	if err != nil {
//		return err
//	}
//	defer r.Dispose()
//	unsubscribe := r.Subscribe(func(st router.State) { render(st) })
//	defer unsubscribe()
//	if err := r.Initialize(ctx); err != nil {
//		return err
//	}
//	err = r.Navigate(ctx, "/projects/42")
package router
