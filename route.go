package intercept

import (
	"net/http"
	"net/url"
	"strings"
)

// MatchOptions is what a Matcher gets to decide whether a request is its to handle.
type MatchOptions struct {
	// Absolute URL of the request.
	URL *url.URL
	// The intercepted request.
	Request *http.Request
	// Event that triggered the request. Nil for requests derived from messages.
	Event Event
	// Base URL the router intercepts for, if configured.
	// Matchers use it to tell same-origin requests apart from cross-origin ones.
	Scope *url.URL
}

// SameOrigin reports whether the request URL shares scheme and host with the scope.
// It is true if there is no scope to compare against.
func (o MatchOptions) SameOrigin() bool {
	if o.Scope == nil || o.URL == nil {
		return true
	}
	return strings.EqualFold(o.URL.Scheme, o.Scope.Scheme) &&
		strings.EqualFold(o.URL.Host, o.Scope.Host)
}

// Matcher decides whether a route applies to a request.
// Implementations must not have side effects, they may be called for every request.
type Matcher interface {
	Match(opts MatchOptions) MatchResult
}

// MatchFunc adapts a plain function to the Matcher interface.
type MatchFunc func(opts MatchOptions) MatchResult

// Match calls f(opts).
func (f MatchFunc) Match(opts MatchOptions) MatchResult {
	return f(opts)
}

// MatchResult is the outcome of a match: no match, a match without captures,
// or a match with positional or named captures.
type MatchResult struct {
	matched bool
	values  []string
	named   map[string]string
}

// NoMatch means the route does not apply.
func NoMatch() MatchResult {
	return MatchResult{}
}

// Matched means the route applies, with nothing captured.
func Matched() MatchResult {
	return MatchResult{matched: true}
}

// MatchedValues means the route applies, capturing the given values in order.
func MatchedValues(values ...string) MatchResult {
	return MatchResult{matched: true, values: values}
}

// MatchedNamed means the route applies, capturing the given named values.
func MatchedNamed(named map[string]string) MatchResult {
	return MatchResult{matched: true, named: named}
}

// OK reports whether the route applies.
func (m MatchResult) OK() bool {
	return m.matched
}

// params returns the captures handed to the handler.
// Empty captures collapse to nil so that handlers never see empty containers.
func (m MatchResult) params() *Params {
	if !m.matched || (len(m.values) == 0 && len(m.named) == 0) {
		return nil
	}
	p := &Params{}
	if len(m.values) > 0 {
		p.Values = m.values
	}
	if len(m.named) > 0 {
		p.Named = m.named
	}
	return p
}

// Params holds what a matcher captured from the request.
type Params struct {
	// Positional captures, e.g. regular expression groups.
	Values []string
	// Named captures, e.g. URL pattern parameters.
	Named map[string]string
}

// Get returns the named capture, or an empty string.
func (p *Params) Get(name string) string {
	if p == nil {
		return ""
	}
	return p.Named[name]
}

// Index returns the i-th positional capture, or an empty string.
func (p *Params) Index(i int) string {
	if p == nil || i < 0 || i >= len(p.Values) {
		return ""
	}
	return p.Values[i]
}

// Route pairs a matcher with the handler that produces responses for matching requests.
// Routes are registered by pointer: the same *Route is needed to unregister it.
type Route struct {
	// HTTP method the route applies to. Always upper case.
	Method string
	// Decides whether the route applies.
	Matcher Matcher
	// Produces the response.
	Handler Handler
	// Optional handler used when Handler fails, before the router's catch handler.
	// It gets the same params as Handler.
	CatchHandler Handler
}

// NewRoute creates a route. The method defaults to GET.
func NewRoute(matcher Matcher, handler Handler, method string) *Route {
	return &Route{
		Method:  normalizeMethod(method),
		Matcher: matcher,
		Handler: handler,
	}
}

// SetCatchHandler sets the handler used when this route's handler fails.
func (r *Route) SetCatchHandler(handler Handler) {
	r.CatchHandler = handler
}

func normalizeMethod(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

// validMethod reports whether method is a syntactically valid HTTP method (a token).
func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		c := method[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
