// Package route defines route definitions, matches, per-call router context,
// handler results and the immutable route tree.
//
// A route tree is built once from user definitions with NewTree and then only
// ever replaced, never mutated: Tree.Patch returns a new tree that shares
// every branch the patch did not touch. Route identity is the route ID; IDs
// left empty in definitions are derived from tree position ("0", "0-1", ...)
// and patched children get IDs derived from their anchor.
//
// Handler fields may be supplied lazily. A route's Lazy value is resolved at
// most once and its results are recorded beside the static definition, so a
// statically declared field always wins:
//
//	&route.Route{
//	    Path:   "projects/:id",
//	    Loader: loadProject, // static, used immediately
//	    Lazy: route.LazyFields{
//	        "action": func(ctx context.Context) (any, error) {
//	            return route.ActionFunc(saveProject), nil
//	        },
//	    },
//	}
package route
