package devtools

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

func TestNewSnapshot(t *testing.T) {
	next := history.Location{Path: history.Path{Pathname: "/items"}, Key: "k2"}
	st := router.State{
		HistoryAction: history.Push,
		Location:      history.Location{Path: history.Path{Pathname: "/", Search: "?q=1"}, Key: "k1"},
		Navigation: router.Navigation{
			State:    router.Submitting,
			Location: &next,
			Submission: &router.Submission{
				Method:   "POST",
				EncType:  router.EncTypeForm,
				FormData: url.Values{"name": {"Ada"}},
			},
		},
		Revalidation: router.RevalidationIdle,
		Initialized:  true,
		Matches: []route.Match{{
			Route:    &route.Route{ID: "root"},
			Pathname: "/",
			Params:   map[string]string{},
		}},
		LoaderData: map[string]any{
			"root": map[string]any{"n": 1},
			"odd":  func() {},
		},
		Errors: map[string]error{
			"root":  route.NewErrorResponse(http.StatusNotFound, "gone"),
			"other": errors.New("boom"),
		},
		Fetchers: map[string]router.Fetcher{
			"f": {Key: "f", State: router.Idle, Data: 42},
		},
	}

	snap := NewSnapshot(st)

	assert.Equal(t, "PUSH", snap.HistoryAction)
	assert.Equal(t, "?q=1", snap.Location.Search)
	assert.Equal(t, "submitting", snap.Navigation.State)
	require.NotNil(t, snap.Navigation.Location)
	assert.Equal(t, "/items", snap.Navigation.Location.Pathname)
	assert.Equal(t, url.Values{"name": {"Ada"}}, snap.Navigation.Submission.FormData)
	assert.Equal(t, []Match{{ID: "root", Pathname: "/", Params: map[string]string{}}}, snap.Matches)
	assert.IsType(t, "", snap.LoaderData["odd"], "unencodable values become strings")
	assert.Equal(t, ErrorInfo{Message: "404 Not Found", Status: 404, StatusText: "Not Found", Data: "gone"}, snap.Errors["root"])
	assert.Equal(t, ErrorInfo{Message: "boom"}, snap.Errors["other"])
	assert.Equal(t, FetcherState{State: "idle", Data: 42}, snap.Fetchers["f"])
	assert.Nil(t, snap.ActionData)

	_, err := json.Marshal(snap)
	assert.NoError(t, err)
}
