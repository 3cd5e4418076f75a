package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-dev/datarouter/pkg/route"
)

// CallKind identifies an instrumented call.
type CallKind string

const (
	CallNavigate   CallKind = "navigate"
	CallFetch      CallKind = "fetch"
	CallMiddleware CallKind = "middleware"
	CallLoader     CallKind = "loader"
	CallAction     CallKind = "action"
	CallLazy       CallKind = "lazy"
)

// CallInfo is read-only metadata handed to instrumentation wrappers.
type CallInfo struct {
	Kind       CallKind
	RouteID    string
	Method     string
	URL        string
	FetcherKey string

	// Context is the call's router context, nil for lazy resolution.
	Context route.ContextReader
}

// CallResult reports how the wrapped call settled.
type CallResult struct {
	Err error
}

// InstrumentFunc wraps one call. It must call call exactly once, on the same
// goroutine. Its own error is logged and never reaches router state; if it
// never calls call, the router calls it afterwards.
type InstrumentFunc func(ctx context.Context, info CallInfo, call func() CallResult) error

// Instrumentation is one registration. Nil fields are skipped.
type Instrumentation struct {
	Navigate   InstrumentFunc
	Fetch      InstrumentFunc
	Middleware InstrumentFunc
	Loader     InstrumentFunc
	Action     InstrumentFunc
	Lazy       InstrumentFunc
}

func (in Instrumentation) forKind(kind CallKind) InstrumentFunc {
	switch kind {
	case CallNavigate:
		return in.Navigate
	case CallFetch:
		return in.Fetch
	case CallMiddleware:
		return in.Middleware
	case CallLoader:
		return in.Loader
	case CallAction:
		return in.Action
	case CallLazy:
		return in.Lazy
	}
	return nil
}

// instrumenter composes registrations per call kind.
type instrumenter struct {
	byKind map[CallKind][]InstrumentFunc
	logger *slog.Logger
}

func newInstrumenter(regs []Instrumentation, logger *slog.Logger) *instrumenter {
	in := &instrumenter{byKind: make(map[CallKind][]InstrumentFunc), logger: logger}
	for _, kind := range []CallKind{CallNavigate, CallFetch, CallMiddleware, CallLoader, CallAction, CallLazy} {
		for _, reg := range regs {
			if fn := reg.forKind(kind); fn != nil {
				in.byKind[kind] = append(in.byKind[kind], fn)
			}
		}
	}
	return in
}

// run executes inner under every wrapper registered for info.Kind and
// returns inner's own error.
func (in *instrumenter) run(ctx context.Context, info CallInfo, inner func() error) error {
	wrappers := in.byKind[info.Kind]
	if len(wrappers) == 0 {
		return inner()
	}

	chain := func() CallResult {
		return CallResult{Err: inner()}
	}
	for i := len(wrappers) - 1; i >= 0; i-- {
		chain = in.layer(ctx, info, wrappers[i], chain)
	}
	return chain().Err
}

func (in *instrumenter) layer(ctx context.Context, info CallInfo, w InstrumentFunc, next func() CallResult) func() CallResult {
	return func() CallResult {
		var (
			mu     sync.Mutex
			called bool
			res    CallResult
		)
		guarded := func() CallResult {
			mu.Lock()
			if called {
				mu.Unlock()
				in.logger.Warn("instrumentation called its inner function more than once",
					"kind", info.Kind, "route_id", info.RouteID)
				return CallResult{Err: ErrInstrumentationReentry}
			}
			called = true
			mu.Unlock()
			r := next()
			mu.Lock()
			res = r
			mu.Unlock()
			return r
		}

		if err := callWrapper(ctx, info, w, guarded); err != nil {
			in.logger.Warn("instrumentation wrapper failed",
				"kind", info.Kind, "route_id", info.RouteID, "error", err)
		}

		mu.Lock()
		ran := called
		mu.Unlock()
		if !ran {
			return guarded()
		}
		mu.Lock()
		defer mu.Unlock()
		return res
	}
}

func callWrapper(ctx context.Context, info CallInfo, w InstrumentFunc, call func() CallResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return w(ctx, info, call)
}
