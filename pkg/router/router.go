package router

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/match"
	"github.com/vango-dev/datarouter/pkg/route"
)

// Router is the navigation and data-loading state machine. All methods are
// safe for concurrent use. Navigate, Fetch, Revalidate and Go block until
// their transition settles or is superseded.
type Router struct {
	opts    Options
	logger  *slog.Logger
	origin  string
	history history.History
	matcher match.Matcher
	routes  *route.Store
	instr   *instrumenter

	discovery singleflight.Group

	// goMu serializes Go so each POP sees its own context.
	goMu   sync.Mutex
	popCtx context.Context
	popErr error

	mu                   sync.Mutex
	state                State
	subscribers          map[int]Subscriber
	nextSubID            int
	pendingNav           *navCall
	revalidationRequired bool
	fetchControllers     map[string]*fetchCall
	fetchLoads           map[string]fetchLoadMatch
	fetchReloads         map[string]uint64
	loadSeq              uint64

	// fetchGen holds the generation of the latest Fetch per key; results
	// produced for an older generation are discarded.
	fetchSeq    uint64
	fetchGen    map[string]uint64
	fetchRevals map[string]map[*fetchRevalidation]struct{}

	// settleOnCommit holds submitted fetchers that settle with the pending
	// navigation's commit.
	settleOnCommit map[string]settledFetcher

	// invalidations counts mutations and revalidations; a loader phase that
	// overlaps one reruns.
	invalidations uint64

	queue    []State
	draining bool
	disposed bool
	unlisten func()
}

// New creates a router. The initial state reflects the history's current
// location and any hydration data; call Initialize to load what is missing.
func New(opts Options) (*Router, error) {
	tree, err := route.NewTree(opts.Routes)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")

	r := &Router{
		opts:             opts,
		logger:           logger,
		origin:           opts.Origin,
		history:          opts.History,
		matcher:          opts.Matcher,
		routes:           route.NewStore(tree),
		instr:            newInstrumenter(opts.Instrumentations, logger),
		subscribers:      make(map[int]Subscriber),
		fetchControllers: make(map[string]*fetchCall),
		fetchLoads:       make(map[string]fetchLoadMatch),
		fetchReloads:     make(map[string]uint64),
		fetchGen:         make(map[string]uint64),
		fetchRevals:      make(map[string]map[*fetchRevalidation]struct{}),
		settleOnCommit:   make(map[string]settledFetcher),
	}
	if r.origin == "" {
		r.origin = DefaultOrigin
	}
	if r.history == nil {
		r.history = history.NewMemory("/")
	}
	if r.matcher == nil {
		r.matcher = match.New()
	}

	r.state = r.initialState(tree)
	r.unlisten = r.history.Listen(r.handlePop)
	return r, nil
}

func (r *Router) initialState(tree *route.Tree) State {
	loc := r.history.Location()
	st := State{
		HistoryAction: r.history.Action(),
		Location:      loc,
		Navigation:    IdleNavigation,
		Revalidation:  RevalidationIdle,
		LoaderData:    map[string]any{},
		Fetchers:      map[string]Fetcher{},
	}
	if h := r.opts.HydrationData; h != nil {
		if len(h.LoaderData) > 0 {
			st.LoaderData = maps.Clone(h.LoaderData)
		}
		if len(h.ActionData) > 0 {
			st.ActionData = maps.Clone(h.ActionData)
		}
		if len(h.Errors) > 0 {
			st.Errors = maps.Clone(h.Errors)
		}
	}

	matches := r.matcher.Match(tree, loc.Pathname)
	fog, _ := r.checkFogOfWar(tree, matches, loc.Pathname)
	switch {
	case fog:
		// Discovery runs in Initialize.
		st.Matches = nil
		st.Initialized = false
	case matches == nil:
		sc := shortCircuitMatches(tree)
		st.Matches = sc
		st.Errors = map[string]error{sc[0].Route.ID: notFound(loc.Pathname)}
		st.Initialized = true
	default:
		st.Matches = matches
		check := matches
		if st.Errors != nil {
			for i, m := range matches {
				if _, ok := st.Errors[m.Route.ID]; ok {
					check = matches[:i+1]
					break
				}
			}
		}
		st.Initialized = true
		for _, m := range check {
			if !isRouteInitialized(m.Route, st) {
				st.Initialized = false
				break
			}
		}
	}
	return st
}

func isRouteInitialized(rt *route.Route, st State) bool {
	if rt.LazyPending() {
		return false
	}
	if !rt.HasLoader() {
		return true
	}
	_, hasData := st.LoaderData[rt.ID]
	_, hasError := st.Errors[rt.ID]
	return hasData || hasError
}

// Initialize runs the initial load for matches without hydrated data. It is
// a no-op once the router is initialized.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	initialized := r.state.Initialized
	loc := r.state.Location
	r.mu.Unlock()
	if initialized {
		return nil
	}
	return r.startNavigation(ctx, history.Pop, loc, startOptions{initialLoad: true})
}

// State returns the latest committed snapshot.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Routes returns the current route tree.
func (r *Router) Routes() *route.Tree {
	return r.routes.Load()
}

// Subscribe registers fn for every committed snapshot and returns a function
// that removes it. Subscribers are called in commit order, one snapshot at a
// time, and may call back into the router.
func (r *Router) Subscribe(fn Subscriber) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// update applies fn to a copy of the state and publishes the result. When
// guard is non-nil it runs under the lock and must report true for the
// update to apply.
func (r *Router) update(guard func() bool, fn func(st *State)) bool {
	r.mu.Lock()
	if r.disposed || (guard != nil && !guard()) {
		r.mu.Unlock()
		return false
	}
	st := r.state.clone()
	fn(&st)
	r.state = st
	r.queue = append(r.queue, st)
	r.mu.Unlock()
	r.flush()
	return true
}

// flush delivers queued snapshots outside the state lock. Only one
// goroutine drains at a time; snapshots queued meanwhile are delivered by
// the drainer, preserving commit order.
func (r *Router) flush() {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		st := r.queue[0]
		r.queue = r.queue[1:]
		subs := make([]Subscriber, 0, len(r.subscribers))
		for _, id := range slices.Sorted(maps.Keys(r.subscribers)) {
			subs = append(subs, r.subscribers[id])
		}
		r.mu.Unlock()
		for _, fn := range subs {
			r.notify(fn, st)
		}
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

func (r *Router) notify(fn Subscriber, st State) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked", "panic", rec)
		}
	}()
	fn(st)
}

// Revalidate reruns loaders for the current location without touching
// history. An in-flight GET navigation is restarted instead. An in-flight
// submission keeps running and reloads its data after its action; Revalidate
// then returns immediately.
func (r *Router) Revalidate(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return ErrDisposed
	}
	r.revalidationRequired = true
	r.invalidations++
	pending := r.pendingNav
	if pending != nil && pending.submission.IsMutation() {
		r.mu.Unlock()
		r.logger.Debug("revalidation deferred to pending submission", "navigation_id", pending.id)
		return nil
	}
	var (
		action history.Action
		loc    history.Location
	)
	if pending != nil {
		action, loc = pending.historyAction, pending.loc
	} else {
		action, loc = r.state.HistoryAction, r.state.Location
	}
	r.mu.Unlock()

	if pending != nil {
		return r.startNavigation(ctx, action, loc, startOptions{})
	}
	r.update(nil, func(st *State) {
		st.Revalidation = RevalidationLoading
	})
	return r.startNavigation(ctx, action, loc, startOptions{revalidation: true})
}

// Go moves through history by delta entries and loads the resulting
// location as a POP navigation.
func (r *Router) Go(ctx context.Context, delta int) error {
	if r.isDisposed() {
		return ErrDisposed
	}
	r.goMu.Lock()
	defer r.goMu.Unlock()

	r.mu.Lock()
	r.popCtx = ctx
	r.popErr = nil
	r.mu.Unlock()

	r.history.Go(delta)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.popCtx = nil
	return r.popErr
}

func (r *Router) handlePop(u history.Update) {
	r.mu.Lock()
	ctx := r.popCtx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	err := r.startNavigation(ctx, history.Pop, u.Location, startOptions{})
	r.mu.Lock()
	r.popErr = err
	r.mu.Unlock()
}

// PatchRoutes adds children under anchorID ("" for the top level). Repeated
// patches with the same shape are no-ops.
func (r *Router) PatchRoutes(anchorID string, children []*route.Route) error {
	if r.isDisposed() {
		return ErrDisposed
	}
	changed, err := r.routes.Patch(anchorID, children)
	if err != nil {
		return err
	}
	if changed {
		r.logger.Debug("routes patched", "anchor", anchorID, "children", len(children))
	}
	return nil
}

// Dispose aborts in-flight work, stops listening to history and drops all
// subscribers. Later calls return ErrDisposed.
func (r *Router) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	if r.pendingNav != nil {
		r.pendingNav.cancel()
		r.pendingNav = nil
	}
	for key, fc := range r.fetchControllers {
		fc.cancel()
		delete(r.fetchControllers, key)
	}
	for key := range r.fetchRevals {
		r.cancelRevalidationsLocked(key)
	}
	unlisten := r.unlisten
	r.subscribers = map[int]Subscriber{}
	r.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	r.logger.Debug("router disposed")
}

func (r *Router) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

func (r *Router) newRouterContext() *route.Context {
	c := route.NewContext()
	if r.opts.InitContext != nil {
		r.opts.InitContext(c)
	}
	return c
}
