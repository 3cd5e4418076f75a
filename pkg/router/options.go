package router

import (
	"log/slog"
	"net/url"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/match"
	"github.com/vango-dev/datarouter/pkg/route"
)

// DefaultOrigin is used to build request URLs when Options.Origin is empty.
const DefaultOrigin = "http://localhost"

// Options configures a Router.
type Options struct {
	// Routes is the initial route tree. Definitions are copied.
	Routes []*route.Route

	// History persists locations. Defaults to an in-memory history at "/".
	History history.History

	// Matcher matches locations against the tree. Defaults to match.New().
	Matcher match.Matcher

	// HydrationData seeds the initial state, typically from a server render.
	HydrationData *HydrationData

	// DataStrategy overrides how handlers are invoked for a phase.
	DataStrategy DataStrategyFunc

	// PatchRoutesOnNavigation discovers routes missing from the tree.
	PatchRoutesOnNavigation DiscoverFunc

	// InitContext populates the router context created for every navigate,
	// fetch and revalidate call.
	InitContext func(c *route.Context)

	// Instrumentations wrap router and handler calls. The first entry is the
	// outermost wrapper.
	Instrumentations []Instrumentation

	// SkipActionErrorRevalidation makes 4xx/5xx action results skip loader
	// revalidation unless a route's ShouldRevalidate opts back in.
	SkipActionErrorRevalidation bool

	// OnExternalRedirect receives redirects that leave the router: other
	// origins and document reloads. The navigation is abandoned.
	OnExternalRedirect func(r *RedirectError)

	// Origin is the scheme and host used for handler request URLs.
	Origin string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HydrationData is state produced ahead of time for the initial location.
type HydrationData struct {
	LoaderData map[string]any
	ActionData map[string]any
	Errors     map[string]error
}

type navigateOptions struct {
	replace      *bool
	state        any
	submission   *Submission
	mask         string
	relativePath bool
	fromRouteID  string
}

// NavigateOption configures a Navigate or Fetch call.
type NavigateOption func(*navigateOptions)

// WithReplace replaces the current history entry instead of pushing.
func WithReplace() NavigateOption {
	return func(o *navigateOptions) {
		t := true
		o.replace = &t
	}
}

// WithPush forces a new history entry even where the router would replace.
func WithPush() NavigateOption {
	return func(o *navigateOptions) {
		f := false
		o.replace = &f
	}
}

// WithState attaches user state to the new history entry.
func WithState(state any) NavigateOption {
	return func(o *navigateOptions) {
		o.state = state
	}
}

// WithSubmission submits s. GET submissions are folded into the URL's
// search params and load like plain navigations.
func WithSubmission(s Submission) NavigateOption {
	return func(o *navigateOptions) {
		o.submission = &s
	}
}

// WithFormData submits URL-encoded form data.
func WithFormData(method string, data url.Values) NavigateOption {
	return WithSubmission(Submission{Method: method, EncType: EncTypeForm, FormData: data})
}

// WithJSON submits v encoded as JSON.
func WithJSON(method string, v any) NavigateOption {
	return WithSubmission(Submission{Method: method, EncType: EncTypeJSON, JSON: v})
}

// WithText submits a plain text body.
func WithText(method, text string) NavigateOption {
	return WithSubmission(Submission{Method: method, EncType: EncTypeText, Text: text})
}

// WithMask displays and persists mask in history while loading the real
// location.
func WithMask(mask string) NavigateOption {
	return func(o *navigateOptions) {
		o.mask = mask
	}
}

// WithRelativePath resolves a relative "to" against the URL path rather than
// the route hierarchy.
func WithRelativePath() NavigateOption {
	return func(o *navigateOptions) {
		o.relativePath = true
	}
}

// FromRoute resolves a relative "to" from the given matched route instead
// of the deepest match.
func FromRoute(routeID string) NavigateOption {
	return func(o *navigateOptions) {
		o.fromRouteID = routeID
	}
}

func applyNavigateOptions(opts []NavigateOption) navigateOptions {
	var o navigateOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
