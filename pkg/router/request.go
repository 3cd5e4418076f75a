package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-dev/datarouter/pkg/history"
	"github.com/vango-dev/datarouter/pkg/match"
	"github.com/vango-dev/datarouter/pkg/route"
)

// newRequest builds the request handed to handlers. Without a mutating
// submission it is a bodyless GET; the fragment is never sent.
func (r *Router) newRequest(ctx context.Context, p history.Path, sub *Submission) (*http.Request, error) {
	p.Hash = ""
	u := p.URL(r.origin)
	if !sub.IsMutation() {
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	body, contentType, err := encodeSubmission(sub)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(sub.Method), u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

func encodeSubmission(sub *Submission) (io.Reader, string, error) {
	switch sub.EncType {
	case EncTypeJSON:
		b, err := json.Marshal(sub.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("router: encode JSON submission: %w", err)
		}
		return bytes.NewReader(b), EncTypeJSON, nil
	case EncTypeText:
		return strings.NewReader(sub.Text), EncTypeText + "; charset=utf-8", nil
	default:
		return strings.NewReader(sub.FormData.Encode()), EncTypeForm, nil
	}
}

// normalizeTarget resolves to against the current state and folds GET form
// submissions into the search string. The returned submission is nil unless
// it mutates.
func normalizeTarget(st State, to string, o navigateOptions) (history.Path, *Submission, error) {
	p := resolveTo(to, st.Matches, st.Location.Path, o.fromRouteID, o.relativePath)

	sub := o.submission
	if sub == nil {
		return p, nil, nil
	}
	s := *sub
	if s.Method == "" {
		s.Method = http.MethodGet
	}
	s.Method = strings.ToUpper(s.Method)
	if s.EncType == "" {
		s.EncType = EncTypeForm
	}

	if !isMutationMethod(s.Method) {
		if s.EncType != EncTypeForm {
			return p, nil, fmt.Errorf("router: %s submissions cannot carry a %s body", s.Method, s.EncType)
		}
		q := s.FormData.Encode()
		// Keep an explicit index marker so the leaf index route stays targeted.
		if hasIndexParam(p.Search) {
			if q != "" {
				q = "index&" + q
			} else {
				q = "index"
			}
		}
		p.Search = ""
		if q != "" {
			p.Search = "?" + q
		}
		return p, nil, nil
	}

	s.Action = p.Pathname + p.Search
	return p, &s, nil
}

// resolveTo resolves a possibly relative target. Route-relative resolution
// walks up one matched route per leading "..".
func resolveTo(to string, matches []route.Match, current history.Path, fromRouteID string, relativePath bool) history.Path {
	p := history.ParsePath(to)
	if p.Pathname == "" {
		p.Pathname = current.Pathname
		if p.Search == "" && p.Hash == "" && to == "" {
			p.Search = current.Search
		}
		return p
	}
	if strings.HasPrefix(p.Pathname, "/") {
		p.Pathname = match.Resolve("/", p.Pathname)
		return p
	}
	if relativePath || len(matches) == 0 {
		p.Pathname = match.Resolve(current.Pathname, p.Pathname)
		return p
	}

	routePathnames := resolvableMatchPathnames(matches, fromRouteID)
	idx := len(routePathnames) - 1
	toPathname := p.Pathname
	if strings.HasPrefix(toPathname, "..") {
		segs := strings.Split(toPathname, "/")
		for len(segs) > 0 && segs[0] == ".." {
			segs = segs[1:]
			idx--
		}
		toPathname = strings.Join(segs, "/")
	}
	from := "/"
	if idx >= 0 {
		from = routePathnames[idx]
	}
	p.Pathname = match.Resolve(from, toPathname)
	return p
}

// resolvableMatchPathnames returns the pathnames relative links resolve
// from: the root match plus every match that contributes a path, stopping at
// fromRouteID when given. The deepest entry keeps its splat portion.
func resolvableMatchPathnames(matches []route.Match, fromRouteID string) []string {
	if fromRouteID != "" {
		for i, m := range matches {
			if m.Route.ID == fromRouteID {
				matches = matches[:i+1]
				break
			}
		}
	}
	var out []string
	for i, m := range matches {
		if i != 0 && !m.Route.HasPath() {
			continue
		}
		if i == len(matches)-1 {
			out = append(out, m.Pathname)
		} else {
			out = append(out, m.PathnameBase)
		}
	}
	return out
}

func hasIndexParam(search string) bool {
	q := history.Path{Search: search}.Query()
	for _, v := range q["index"] {
		if v == "" {
			return true
		}
	}
	return false
}
