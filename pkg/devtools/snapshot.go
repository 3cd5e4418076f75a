package devtools

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

// Snapshot is the JSON view of a router.State. Seq numbers snapshots
// published by a Server and is zero elsewhere.
type Snapshot struct {
	Seq           uint64                  `json:"seq,omitempty"`
	HistoryAction string                  `json:"historyAction"`
	Location      Location                `json:"location"`
	Navigation    Navigation              `json:"navigation"`
	Revalidation  string                  `json:"revalidation"`
	Initialized   bool                    `json:"initialized"`
	Matches       []Match                 `json:"matches"`
	LoaderData    map[string]any          `json:"loaderData"`
	ActionData    map[string]any          `json:"actionData"`
	Errors        map[string]ErrorInfo    `json:"errors"`
	Fetchers      map[string]FetcherState `json:"fetchers"`
}

// Location is the JSON view of a history.Location.
type Location struct {
	Pathname string `json:"pathname"`
	Search   string `json:"search,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Key      string `json:"key,omitempty"`
	Mask     string `json:"mask,omitempty"`
	State    any    `json:"state,omitempty"`
}

// Navigation is the JSON view of a router.Navigation.
type Navigation struct {
	State      string      `json:"state"`
	Location   *Location   `json:"location,omitempty"`
	Submission *Submission `json:"submission,omitempty"`
}

// Submission is the JSON view of a router.Submission.
type Submission struct {
	Method   string     `json:"formMethod"`
	Action   string     `json:"formAction,omitempty"`
	EncType  string     `json:"formEncType,omitempty"`
	FormData url.Values `json:"formData,omitempty"`
	JSON     any        `json:"json,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// Match is the JSON view of a route.Match.
type Match struct {
	ID       string            `json:"id"`
	Pathname string            `json:"pathname"`
	Params   map[string]string `json:"params,omitempty"`
}

// ErrorInfo describes an error stored in router state.
type ErrorInfo struct {
	Message    string `json:"message"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`
	Data       any    `json:"data,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
}

// FetcherState is the JSON view of a router.Fetcher.
type FetcherState struct {
	State      string      `json:"state"`
	Data       any         `json:"data,omitempty"`
	Submission *Submission `json:"submission,omitempty"`
}

// NewSnapshot converts st. Values that cannot be encoded as JSON are
// replaced by their fmt representation.
func NewSnapshot(st router.State) Snapshot {
	s := Snapshot{
		HistoryAction: string(st.HistoryAction),
		Location:      newLocation(st.Location),
		Navigation: Navigation{
			State:      string(st.Navigation.State),
			Submission: newSubmission(st.Navigation.Submission),
		},
		Revalidation: string(st.Revalidation),
		Initialized:  st.Initialized,
		Matches:      make([]Match, 0, len(st.Matches)),
		LoaderData:   jsonSafeMap(st.LoaderData),
		ActionData:   jsonSafeMap(st.ActionData),
		Fetchers:     make(map[string]FetcherState, len(st.Fetchers)),
	}
	if st.Navigation.Location != nil {
		loc := newLocation(*st.Navigation.Location)
		s.Navigation.Location = &loc
	}
	for _, m := range st.Matches {
		s.Matches = append(s.Matches, Match{ID: m.Route.ID, Pathname: m.Pathname, Params: m.Params})
	}
	if st.Errors != nil {
		s.Errors = make(map[string]ErrorInfo, len(st.Errors))
		for id, err := range st.Errors {
			s.Errors[id] = newErrorInfo(err)
		}
	}
	for key, f := range st.Fetchers {
		s.Fetchers[key] = FetcherState{
			State:      string(f.State),
			Data:       jsonSafe(f.Data),
			Submission: newSubmission(f.Submission),
		}
	}
	return s
}

func newLocation(loc history.Location) Location {
	return Location{
		Pathname: loc.Pathname,
		Search:   loc.Search,
		Hash:     loc.Hash,
		Key:      loc.Key,
		Mask:     loc.Mask,
		State:    jsonSafe(loc.State),
	}
}

func newSubmission(sub *router.Submission) *Submission {
	if sub == nil {
		return nil
	}
	return &Submission{
		Method:   sub.Method,
		Action:   sub.Action,
		EncType:  sub.EncType,
		FormData: sub.FormData,
		JSON:     jsonSafe(sub.JSON),
		Text:     sub.Text,
	}
}

func newErrorInfo(err error) ErrorInfo {
	info := ErrorInfo{Message: fmt.Sprint(err)}
	var resp *route.ErrorResponse
	if errors.As(err, &resp) {
		info.Status = resp.Status
		info.StatusText = resp.StatusText
		info.Data = jsonSafe(resp.Data)
		info.Internal = resp.Internal
	}
	return info
}

func jsonSafeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonSafe(v)
	}
	return out
}

func jsonSafe(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
