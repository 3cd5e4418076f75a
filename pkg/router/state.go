package router

import (
	"maps"
	"net/url"
	"strings"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
)

// NavigationState is the phase of a navigation or fetcher.
type NavigationState string

const (
	Idle       NavigationState = "idle"
	Loading    NavigationState = "loading"
	Submitting NavigationState = "submitting"
)

// RevalidationState reports whether a revalidation is in progress.
type RevalidationState string

const (
	RevalidationIdle    RevalidationState = "idle"
	RevalidationLoading RevalidationState = "loading"
)

// Body encodings for submissions.
const (
	EncTypeForm = "application/x-www-form-urlencoded"
	EncTypeJSON = "application/json"
	EncTypeText = "text/plain"
)

// Submission is the payload of a navigation or fetcher submission. Exactly
// one of FormData, JSON and Text is meaningful, selected by EncType.
type Submission struct {
	Method   string
	Action   string
	EncType  string
	FormData url.Values
	JSON     any
	Text     string
}

// IsMutation reports whether the submission uses a mutating method.
func (s *Submission) IsMutation() bool {
	return s != nil && isMutationMethod(s.Method)
}

func isMutationMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

// Navigation describes the in-flight navigation, if any.
type Navigation struct {
	State      NavigationState
	Location   *history.Location
	Submission *Submission
}

// Fetcher is the published state of one fetcher key.
type Fetcher struct {
	Key        string
	State      NavigationState
	Data       any
	Submission *Submission
}

// IdleNavigation is the Navigation of a settled router.
var IdleNavigation = Navigation{State: Idle}

// State is the snapshot published to subscribers. Maps are never mutated
// after publication; every commit installs fresh maps.
type State struct {
	HistoryAction history.Action
	Location      history.Location
	Matches       []route.Match
	Initialized   bool
	Navigation    Navigation
	Revalidation  RevalidationState

	// LoaderData holds the latest data for every matched route that loaded.
	LoaderData map[string]any

	// ActionData is nil unless the latest settled transition ran an action.
	ActionData map[string]any

	// Errors is nil unless the latest settled transition produced an error;
	// keys are boundary route IDs.
	Errors map[string]error

	Fetchers map[string]Fetcher
}

// clone returns a shallow copy whose maps may be replaced independently.
func (s State) clone() State {
	s.Matches = append([]route.Match(nil), s.Matches...)
	s.LoaderData = maps.Clone(s.LoaderData)
	s.ActionData = maps.Clone(s.ActionData)
	s.Errors = maps.Clone(s.Errors)
	s.Fetchers = maps.Clone(s.Fetchers)
	return s
}

// Subscriber receives every committed State in commit order.
type Subscriber func(State)
