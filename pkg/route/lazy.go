package route

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Lazily resolvable field names.
const (
	FieldLoader           = "loader"
	FieldAction           = "action"
	FieldMiddleware       = "middleware"
	FieldShouldRevalidate = "shouldRevalidate"
	FieldHasErrorBoundary = "hasErrorBoundary"
	FieldHandle           = "handle"
)

var supportedFields = map[string]bool{
	FieldLoader:           true,
	FieldAction:           true,
	FieldMiddleware:       true,
	FieldShouldRevalidate: true,
	FieldHasErrorBoundary: true,
	FieldHandle:           true,
}

// Lazy supplies route fields on demand. It is either a LazyFunc or
// LazyFields.
type Lazy interface {
	isLazy()
}

// LazyFunc resolves every lazy field of a route in one call.
type LazyFunc func(ctx context.Context) (*Module, error)

// LazyFields resolves fields independently, keyed by field name. Each value
// must resolve to the field's type (LoaderFunc, ActionFunc,
// []MiddlewareFunc, ShouldRevalidateFunc, bool, any).
type LazyFields map[string]func(ctx context.Context) (any, error)

func (LazyFunc) isLazy()   {}
func (LazyFields) isLazy() {}

// Module holds lazily resolved fields.
type Module struct {
	Loader           LoaderFunc
	Action           ActionFunc
	Middleware       []MiddlewareFunc
	ShouldRevalidate ShouldRevalidateFunc
	HasErrorBoundary bool
	Handle           any
}

// FieldSource records where a route field came from.
type FieldSource int

const (
	SourceNone FieldSource = iota
	SourceStatic
	SourceLazy
)

// LazyError reports a failed lazy resolution.
type LazyError struct {
	RouteID string
	Field   string
	Err     error
}

func (e *LazyError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("route: lazy resolution of route %q: %v", e.RouteID, e.Err)
	}
	return fmt.Sprintf("route: lazy resolution of %s on route %q: %v", e.Field, e.RouteID, e.Err)
}

func (e *LazyError) Unwrap() error {
	return e.Err
}

// pending is a single in-flight or finished thunk invocation.
type pending struct {
	done chan struct{}
	err  error
}

func (p *pending) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lazyState is the resolution record of a route. It is shared by every copy
// of the route across tree versions.
type lazyState struct {
	mu      sync.Mutex
	module  Module
	sources map[string]FieldSource
	whole   *pending
	fields  map[string]*pending
}

var lazyInitMu sync.Mutex

func (r *Route) state() *lazyState {
	lazyInitMu.Lock()
	defer lazyInitMu.Unlock()
	if r.lazy == nil {
		r.lazy = &lazyState{
			sources: make(map[string]FieldSource),
			fields:  make(map[string]*pending),
		}
	}
	return r.lazy
}

func (r *Route) resolved() *Module {
	if r.Lazy == nil {
		return nil
	}
	s := r.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.module
	return &m
}

// Source reports whether a field was defined statically, resolved lazily, or
// is unset.
func (r *Route) Source(field string) FieldSource {
	if r.hasStatic(field) {
		return SourceStatic
	}
	if r.Lazy == nil {
		return SourceNone
	}
	s := r.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[field]
}

// MayProvide reports whether resolving the route's Lazy value could still
// yield field.
func (r *Route) MayProvide(field string) bool {
	if r.Lazy == nil || r.hasStatic(field) {
		return false
	}
	s := r.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch l := r.Lazy.(type) {
	case LazyFunc:
		return s.whole == nil || !closed(s.whole.done)
	case LazyFields:
		if _, ok := l[field]; !ok {
			return false
		}
		p := s.fields[field]
		return p == nil || !closed(p.done)
	}
	return false
}

// LazyPending reports whether any part of the route's Lazy value has not
// finished resolving.
func (r *Route) LazyPending() bool {
	if r.Lazy == nil {
		return false
	}
	s := r.state()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch l := r.Lazy.(type) {
	case LazyFunc:
		return s.whole == nil || !closed(s.whole.done)
	case LazyFields:
		for name := range l {
			if !supportedFields[name] {
				continue
			}
			p := s.fields[name]
			if p == nil || !closed(p.done) {
				return true
			}
		}
	}
	return false
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (r *Route) hasStatic(field string) bool {
	switch field {
	case FieldLoader:
		return r.Loader != nil
	case FieldAction:
		return r.Action != nil
	case FieldMiddleware:
		return len(r.Middleware) > 0
	case FieldShouldRevalidate:
		return r.ShouldRevalidate != nil
	case FieldHasErrorBoundary:
		return r.HasErrorBoundary
	case FieldHandle:
		return r.Handle != nil
	}
	return false
}

// ResolveLazy resolves the requested fields (all fields when none are given).
// Each thunk runs at most once per route; concurrent callers share the first
// invocation. Thunks run detached from ctx cancellation so an aborted caller
// never poisons the shared result, but the wait itself honors ctx.
func (r *Route) ResolveLazy(ctx context.Context, logger *slog.Logger, fields ...string) error {
	if r.Lazy == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := r.state()

	switch l := r.Lazy.(type) {
	case LazyFunc:
		s.mu.Lock()
		p := s.whole
		if p == nil {
			p = &pending{done: make(chan struct{})}
			s.whole = p
			go func() {
				defer close(p.done)
				mod, err := callLazyFunc(context.WithoutCancel(ctx), l)
				if err != nil {
					p.err = &LazyError{RouteID: r.ID, Err: err}
					return
				}
				r.applyModule(mod, logger)
			}()
		}
		s.mu.Unlock()
		return p.wait(ctx)

	case LazyFields:
		if len(fields) == 0 {
			for name := range l {
				fields = append(fields, name)
			}
		}
		var waits []*pending
		s.mu.Lock()
		for _, name := range fields {
			thunk, ok := l[name]
			if !ok {
				continue
			}
			if !supportedFields[name] {
				if _, warned := s.fields[name]; !warned {
					logger.Warn("ignoring unsupported lazy route field", "route_id", r.ID, "field", name)
					done := &pending{done: make(chan struct{})}
					close(done.done)
					s.fields[name] = done
				}
				continue
			}
			p := s.fields[name]
			if p == nil {
				p = &pending{done: make(chan struct{})}
				s.fields[name] = p
				go func(name string, thunk func(context.Context) (any, error)) {
					defer close(p.done)
					v, err := callLazyField(context.WithoutCancel(ctx), thunk)
					if err != nil {
						p.err = &LazyError{RouteID: r.ID, Field: name, Err: err}
						return
					}
					r.applyField(name, v, logger)
				}(name, thunk)
			}
			waits = append(waits, p)
		}
		s.mu.Unlock()

		var firstErr error
		for _, p := range waits {
			if err := p.wait(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return nil
}

func callLazyFunc(ctx context.Context, fn LazyFunc) (mod *Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func callLazyField(ctx context.Context, fn func(context.Context) (any, error)) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (r *Route) applyModule(mod *Module, logger *slog.Logger) {
	if mod == nil {
		return
	}
	if mod.Loader != nil {
		r.applyField(FieldLoader, mod.Loader, logger)
	}
	if mod.Action != nil {
		r.applyField(FieldAction, mod.Action, logger)
	}
	if len(mod.Middleware) > 0 {
		r.applyField(FieldMiddleware, mod.Middleware, logger)
	}
	if mod.ShouldRevalidate != nil {
		r.applyField(FieldShouldRevalidate, mod.ShouldRevalidate, logger)
	}
	if mod.HasErrorBoundary {
		r.applyField(FieldHasErrorBoundary, true, logger)
	}
	if mod.Handle != nil {
		r.applyField(FieldHandle, mod.Handle, logger)
	}
}

// applyField records a lazily resolved value. Falsy values are ignored and
// static definitions always win.
func (r *Route) applyField(name string, v any, logger *slog.Logger) {
	if isFalsy(v) {
		return
	}
	if r.hasStatic(name) {
		logger.Warn("route has a static definition for lazy field; ignoring lazy value",
			"route_id", r.ID, "field", name)
		return
	}

	s := r.state()
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := true
	switch name {
	case FieldLoader:
		switch fn := v.(type) {
		case LoaderFunc:
			s.module.Loader = fn
		case func(HandlerArgs) (any, error):
			s.module.Loader = fn
		default:
			ok = false
		}
	case FieldAction:
		switch fn := v.(type) {
		case ActionFunc:
			s.module.Action = fn
		case func(HandlerArgs) (any, error):
			s.module.Action = fn
		default:
			ok = false
		}
	case FieldMiddleware:
		switch mw := v.(type) {
		case []MiddlewareFunc:
			s.module.Middleware = mw
		case MiddlewareFunc:
			s.module.Middleware = []MiddlewareFunc{mw}
		default:
			ok = false
		}
	case FieldShouldRevalidate:
		switch fn := v.(type) {
		case ShouldRevalidateFunc:
			s.module.ShouldRevalidate = fn
		case func(ShouldRevalidateArgs) any:
			s.module.ShouldRevalidate = fn
		default:
			ok = false
		}
	case FieldHasErrorBoundary:
		b, isBool := v.(bool)
		ok = isBool
		s.module.HasErrorBoundary = b
	case FieldHandle:
		s.module.Handle = v
	}
	if !ok {
		logger.Warn("lazy route field resolved to an unexpected type; ignoring",
			"route_id", r.ID, "field", name, "type", fmt.Sprintf("%T", v))
		return
	}
	s.sources[name] = SourceLazy
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	case LoaderFunc:
		return x == nil
	case ActionFunc:
		return x == nil
	case ShouldRevalidateFunc:
		return x == nil
	case []MiddlewareFunc:
		return len(x) == 0
	case MiddlewareFunc:
		return x == nil
	}
	return false
}
