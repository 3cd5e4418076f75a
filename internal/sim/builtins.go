package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/datarouter/pkg/discovery"
	"github.com/vango-dev/datarouter/pkg/route"
)

// RequestIDKey holds the id the "stamp" middleware assigns to each call.
var RequestIDKey = route.NewContextKey[string]("requestId")

// SlowDelay is how long the "slow" loader waits.
var SlowDelay = 200 * time.Millisecond

// ErrSimulated is returned by the "fail" handlers.
var ErrSimulated = errors.New("sim: simulated failure")

// Builtins returns a registry holding the simulator's handlers plus one
// "fixture.<key>" loader per fixture.
func Builtins(fixtures map[string]any, logger *slog.Logger) *discovery.Registry {
	reg := discovery.NewRegistry().
		Loader("params", func(a route.HandlerArgs) (any, error) {
			return a.Params, nil
		}).
		Loader("echo", func(a route.HandlerArgs) (any, error) {
			return map[string]any{
				"method": a.Request.Method,
				"path":   a.Request.URL.Path,
				"query":  a.Request.URL.Query(),
			}, nil
		}).
		Loader("requestId", func(a route.HandlerArgs) (any, error) {
			id, _ := route.Get(a.Context, RequestIDKey)
			return id, nil
		}).
		Loader("notFound", func(route.HandlerArgs) (any, error) {
			return nil, route.NewErrorResponse(http.StatusNotFound, "not found")
		}).
		Loader("fail", func(route.HandlerArgs) (any, error) {
			return nil, ErrSimulated
		}).
		Loader("slow", func(a route.HandlerArgs) (any, error) {
			select {
			case <-time.After(SlowDelay):
				return "slow", nil
			case <-a.Request.Context().Done():
				return nil, a.Request.Context().Err()
			}
		}).
		Loader("redirect.home", func(route.HandlerArgs) (any, error) {
			return nil, route.Redirect("/")
		}).
		Action("form", func(a route.HandlerArgs) (any, error) {
			return readSubmission(a.Request)
		}).
		Action("reject", func(a route.HandlerArgs) (any, error) {
			body, err := readSubmission(a.Request)
			if err != nil {
				return nil, err
			}
			return nil, route.NewErrorResponse(http.StatusBadRequest, body)
		}).
		Action("fail", func(route.HandlerArgs) (any, error) {
			return nil, ErrSimulated
		}).
		Action("redirect.home", func(route.HandlerArgs) (any, error) {
			return route.Redirect("/"), nil
		}).
		Middleware("log", func(a route.MiddlewareArgs, next route.NextFunc) (route.Results, error) {
			start := time.Now()
			res, err := next()
			logger.Debug("handled",
				"route_id", a.RouteID,
				"method", a.Request.Method,
				"url", a.Request.URL.String(),
				"duration", time.Since(start),
				"error", err,
			)
			return res, err
		}).
		Middleware("stamp", func(a route.MiddlewareArgs, next route.NextFunc) (route.Results, error) {
			if _, ok := route.Get(a.Context, RequestIDKey); !ok {
				route.Set(a.Context, RequestIDKey, uuid.NewString())
			}
			return next()
		}).
		ShouldRevalidate("never", func(route.ShouldRevalidateArgs) any { return false }).
		ShouldRevalidate("always", func(route.ShouldRevalidateArgs) any { return true })

	for key, v := range fixtures {
		value := v
		reg.Loader("fixture."+key, func(route.HandlerArgs) (any, error) {
			return value, nil
		})
	}
	return reg
}

// readSubmission decodes a submission body by content type.
func readSubmission(r *http.Request) (any, error) {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/json"):
		var v any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("sim: decode json: %w", err)
		}
		return v, nil
	case strings.HasPrefix(ct, "text/plain"):
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) == 1 {
				out[k] = vs[0]
			} else {
				out[k] = vs
			}
		}
		return out, nil
	}
}
