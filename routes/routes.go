// Package routes provides the common ways of deciding which requests a handler gets:
// exact URLs, regular expressions, URL patterns and page navigations.
package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/intercept"
)

// URL matches requests for exactly one URL.
// Relative URLs are resolved against the scope, or the request origin if there is no scope.
type URL struct {
	ref *url.URL
}

// NewURL parses the URL to match.
func NewURL(rawURL string) (*URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &URL{ref: ref}, nil
}

func (m *URL) Match(opts intercept.MatchOptions) intercept.MatchResult {
	base := opts.Scope
	if base == nil {
		base = &url.URL{Scheme: opts.URL.Scheme, Host: opts.URL.Host, Path: "/"}
	}
	if base.ResolveReference(m.ref).String() == opts.URL.String() {
		return intercept.Matched()
	}
	return intercept.NoMatch()
}

// RegExp matches requests whose full URL matches a regular expression.
// The groups of the expression are passed to the handler.
//
// Cross-origin requests only match if the expression matches from the start of the URL,
// so that a loose expression like `\.js$` does not capture third party scripts.
type RegExp struct {
	re  *regexp.Regexp
	log zerolog.Logger
}

// NewRegExp compiles the expression to match.
// The global logger is used if logger is nil.
func NewRegExp(expr string, logger *zerolog.Logger) (*RegExp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &RegExp{re: re, log: matcherLogger(logger, "regexp")}, nil
}

func matcherLogger(logger *zerolog.Logger, matcher string) zerolog.Logger {
	if logger == nil {
		logger = &log.Logger
	}
	return logger.With().Str("matcher", matcher).Logger()
}

func (m *RegExp) Match(opts intercept.MatchOptions) intercept.MatchResult {
	href := opts.URL.String()
	loc := m.re.FindStringSubmatchIndex(href)
	if loc == nil {
		return intercept.NoMatch()
	}
	if loc[0] != 0 && !opts.SameOrigin() {
		m.log.Trace().
			Str("url", href).
			Str("regexp", m.re.String()).
			Msg("Cross-origin request matched a regular expression, but not from the start of the URL")
		return intercept.NoMatch()
	}
	groups := make([]string, 0, len(loc)/2-1)
	for i := 2; i < len(loc); i += 2 {
		if loc[i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, href[loc[i]:loc[i+1]])
	}
	return intercept.MatchedValues(groups...)
}

// Pattern matches request paths against a chi routing pattern, e.g. `/articles/{id}`.
// Pattern parameters are passed to the handler as named params.
// Only same-origin requests match.
type Pattern struct {
	pattern string
	mux     *chi.Mux
}

// NewPattern creates a matcher for a chi routing pattern.
func NewPattern(pattern string) (*Pattern, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern must begin with '/': %s", pattern)
	}
	p := &Pattern{pattern: pattern, mux: chi.NewRouter()}
	if err := p.handle(); err != nil {
		return nil, err
	}
	return p, nil
}

// handle registers the pattern with the mux, which panics on malformed patterns.
func (p *Pattern) handle() (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("invalid pattern %s: %v", p.pattern, v)
		}
	}()
	p.mux.Handle(p.pattern, http.NotFoundHandler())
	return nil
}

func (p *Pattern) Match(opts intercept.MatchOptions) intercept.MatchResult {
	if !opts.SameOrigin() {
		return intercept.NoMatch()
	}
	rctx := chi.NewRouteContext()
	if !p.mux.Match(rctx, opts.Request.Method, opts.URL.Path) {
		return intercept.NoMatch()
	}
	named := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		named[key] = rctx.URLParams.Values[i]
	}
	return intercept.MatchedNamed(named)
}

// Navigation matches page navigations, i.e. requests with `Sec-Fetch-Mode: navigate`.
// The path and query of the URL must match one of Allow (everything if empty)
// and none of Deny.
type Navigation struct {
	Allow []*regexp.Regexp
	Deny  []*regexp.Regexp
	log   zerolog.Logger
}

// NewNavigation compiles the allow and deny lists.
// The global logger is used if logger is nil.
func NewNavigation(allow, deny []string, logger *zerolog.Logger) (*Navigation, error) {
	n := &Navigation{log: matcherLogger(logger, "navigation")}
	for _, expr := range allow {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		n.Allow = append(n.Allow, re)
	}
	for _, expr := range deny {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		n.Deny = append(n.Deny, re)
	}
	return n, nil
}

func (n *Navigation) Match(opts intercept.MatchOptions) intercept.MatchResult {
	if opts.Request.Header.Get("Sec-Fetch-Mode") != "navigate" {
		return intercept.NoMatch()
	}
	pathAndSearch := opts.URL.EscapedPath()
	if opts.URL.RawQuery != "" {
		pathAndSearch += "?" + opts.URL.RawQuery
	}
	for _, re := range n.Deny {
		if re.MatchString(pathAndSearch) {
			n.log.Trace().Str("path", pathAndSearch).Str("regexp", re.String()).Msg("Navigation denied")
			return intercept.NoMatch()
		}
	}
	if len(n.Allow) == 0 {
		return intercept.Matched()
	}
	for _, re := range n.Allow {
		if re.MatchString(pathAndSearch) {
			return intercept.Matched()
		}
	}
	return intercept.NoMatch()
}

// NewURLRoute creates a route for exactly one URL.
func NewURLRoute(rawURL string, handler intercept.Handler, method string) (*intercept.Route, error) {
	m, err := NewURL(rawURL)
	if err != nil {
		return nil, err
	}
	return intercept.NewRoute(m, handler, method), nil
}

// NewRegExpRoute creates a route for URLs matching a regular expression.
func NewRegExpRoute(expr string, handler intercept.Handler, method string, logger *zerolog.Logger) (*intercept.Route, error) {
	m, err := NewRegExp(expr, logger)
	if err != nil {
		return nil, err
	}
	return intercept.NewRoute(m, handler, method), nil
}

// NewPatternRoute creates a route for paths matching a chi routing pattern.
func NewPatternRoute(pattern string, handler intercept.Handler, method string) (*intercept.Route, error) {
	m, err := NewPattern(pattern)
	if err != nil {
		return nil, err
	}
	return intercept.NewRoute(m, handler, method), nil
}

// NewNavigationRoute creates a GET route for page navigations.
func NewNavigationRoute(handler intercept.Handler, allow, deny []string, logger *zerolog.Logger) (*intercept.Route, error) {
	m, err := NewNavigation(allow, deny, logger)
	if err != nil {
		return nil, err
	}
	return intercept.NewRoute(m, handler, http.MethodGet), nil
}
