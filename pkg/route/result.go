package route

import (
	"errors"
	"fmt"
	"net/http"
)

// ResultType discriminates a Result.
type ResultType int

const (
	// ResultData is a successful handler outcome.
	ResultData ResultType = iota
	// ResultError is a failed handler outcome.
	ResultError
)

// String implements fmt.Stringer.
func (t ResultType) String() string {
	if t == ResultError {
		return "error"
	}
	return "data"
}

// Result is the unit every match resolves to in a data strategy.
type Result struct {
	Type ResultType

	// Data holds the handler's value for ResultData.
	Data any

	// Err holds the thrown value for ResultError.
	Err error

	// Status is the HTTP-like status carried by a Response or
	// ErrorResponse, zero otherwise.
	Status int

	// Header carries response headers when the handler produced a Response.
	Header http.Header
}

// Results maps route IDs to their outcome for one phase.
type Results map[string]Result

// Redirect returns the redirect response carried by the result, if any.
func (r Result) Redirect() (*Response, bool) {
	if r.Type == ResultError {
		return AsRedirect(r.Err)
	}
	if resp, ok := r.Data.(*Response); ok && resp.IsRedirect() {
		return resp, true
	}
	return nil, false
}

// Headers used on redirect responses.
const (
	HeaderLocation       = "Location"
	HeaderReplace        = "X-Route-Replace"
	HeaderReloadDocument = "X-Route-Reload-Document"
	HeaderRevalidate     = "X-Route-Revalidate"
)

// Response is the response-like value handlers may return or throw.
// A Response with a 3xx status and a Location header is a redirect.
type Response struct {
	Status int
	Header http.Header
	Data   any
}

// Error lets a Response be thrown.
func (r *Response) Error() string {
	if r.IsRedirect() {
		return fmt.Sprintf("route: redirect %d to %s", r.Status, r.Header.Get(HeaderLocation))
	}
	return fmt.Sprintf("route: response %d", r.Status)
}

// IsRedirect reports whether the response is a redirect.
func (r *Response) IsRedirect() bool {
	return r != nil && r.Status >= 300 && r.Status <= 399 && r.Header.Get(HeaderLocation) != ""
}

// Location returns the redirect target.
func (r *Response) Location() string {
	return r.Header.Get(HeaderLocation)
}

// Data wraps a value with a status, typically used by actions to report a
// validation failure while still returning data.
func Data(v any, status int) *Response {
	return &Response{Status: status, Header: http.Header{}, Data: v}
}

// Redirect creates a 302 redirect to the given location.
func Redirect(to string) *Response {
	return RedirectWithStatus(to, http.StatusFound)
}

// RedirectWithStatus creates a redirect with an explicit status.
// 307 and 308 preserve the submission method and payload.
func RedirectWithStatus(to string, status int) *Response {
	h := http.Header{}
	h.Set(HeaderLocation, to)
	return &Response{Status: status, Header: h}
}

// RedirectReplace creates a redirect that replaces the current history entry.
func RedirectReplace(to string) *Response {
	r := Redirect(to)
	r.Header.Set(HeaderReplace, "true")
	return r
}

// RedirectDocument creates a redirect that must leave the router entirely.
func RedirectDocument(to string) *Response {
	r := Redirect(to)
	r.Header.Set(HeaderReloadDocument, "true")
	return r
}

// AsRedirect extracts a redirect Response from a thrown value.
func AsRedirect(err error) (*Response, bool) {
	var resp *Response
	if !errors.As(err, &resp) || !resp.IsRedirect() {
		return nil, false
	}
	return resp, true
}

// ErrorResponse is a typed error carrying a status. It round-trips into the
// router's error map untouched.
type ErrorResponse struct {
	Status     int
	StatusText string
	Data       any

	// Internal marks errors raised by the router itself (404, 405).
	Internal bool

	// Err is an optional underlying error.
	Err error
}

// NewErrorResponse creates an ErrorResponse using the standard status text.
func NewErrorResponse(status int, data any) *ErrorResponse {
	return &ErrorResponse{Status: status, StatusText: http.StatusText(status), Data: data}
}

// Error implements error.
func (e *ErrorResponse) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.StatusText, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.StatusText)
}

// Unwrap returns the underlying error.
func (e *ErrorResponse) Unwrap() error {
	return e.Err
}
