package intercept

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Base URL the router intercepts for.
	// Relative request URLs are resolved against it.
	Scope *url.URL
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Validate routes when registering them.
	// Leave off in production, registration then trusts its input.
	Diagnostics bool
	// Optional hook observing routing decisions.
	Tracer Tracer
}

// Router dispatches requests to the first matching route,
// falling back to a default handler and recovering failures with a catch handler.
//
// Routes are expected to be registered before requests are handled.
// The route table is not locked: registering while handling requests is a race.
type Router struct {
	routes         map[string][]*Route
	defaultHandler Handler
	catchHandler   Handler
	scope          *url.URL
	diagnostics    bool
	tracer         Tracer
	log            zerolog.Logger
}

// New creates a router without routes.
func New(config Config) *Router {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = log.Logger
	} else {
		logger = *config.Logger
	}
	return &Router{
		routes:      make(map[string][]*Route),
		scope:       config.Scope,
		diagnostics: config.Diagnostics,
		tracer:      config.Tracer,
		log:         logger.With().Str("component", "router").Logger(),
	}
}

// Routes returns a copy of the route table, keyed by method.
func (r *Router) Routes() map[string][]*Route {
	routes := make(map[string][]*Route, len(r.routes))
	for method, list := range r.routes {
		routes[method] = append([]*Route(nil), list...)
	}
	return routes
}

// RegisterRoute appends a route to the routes for its method.
// With diagnostics enabled, a malformed route returns a *ValidationError.
func (r *Router) RegisterRoute(route *Route) error {
	if route == nil {
		return &ValidationError{Field: "route", Reason: "is nil"}
	}
	if r.diagnostics {
		if err := validateRoute(route); err != nil {
			return err
		}
	}
	method := normalizeMethod(route.Method)
	route.Method = method
	r.routes[method] = append(r.routes[method], route)
	r.log.Trace().Str("method", method).Int("count", len(r.routes[method])).Msg("Registered route")
	return nil
}

func validateRoute(route *Route) error {
	switch {
	case route == nil:
		return &ValidationError{Field: "route", Reason: "is nil"}
	case route.Matcher == nil:
		return &ValidationError{Field: "matcher", Reason: "is nil"}
	case route.Handler == nil:
		return &ValidationError{Field: "handler", Reason: "is nil"}
	case route.Method != "" && !validMethod(route.Method):
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not an HTTP method", route.Method)}
	}
	return nil
}

// UnregisterRoute removes a previously registered route.
// The route must be the same pointer that was registered.
func (r *Router) UnregisterRoute(route *Route) error {
	if route == nil {
		return ErrRouteNotFound
	}
	method := normalizeMethod(route.Method)
	list, ok := r.routes[method]
	if !ok || len(list) == 0 {
		return fmt.Errorf("%w: %s", ErrMethodNotRegistered, method)
	}
	for i, registered := range list {
		if registered == route {
			r.routes[method] = append(list[:i:i], list[i+1:]...)
			r.log.Trace().Str("method", method).Msg("Unregistered route")
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRouteNotFound, method)
}

// SetDefaultHandler sets the handler used when no route matches.
func (r *Router) SetDefaultHandler(handler Handler) {
	r.defaultHandler = handler
}

// SetDefaultHandlerFunc is SetDefaultHandler for a plain function.
func (r *Router) SetDefaultHandlerFunc(fn func(HandlerOptions) (*http.Response, error)) {
	r.SetDefaultHandler(HandlerFunc(fn))
}

// SetCatchHandler sets the handler used when a handler fails.
func (r *Router) SetCatchHandler(handler Handler) {
	r.catchHandler = handler
}

// SetCatchHandlerFunc is SetCatchHandler for a plain function.
func (r *Router) SetCatchHandlerFunc(fn func(HandlerOptions) (*http.Response, error)) {
	r.SetCatchHandler(HandlerFunc(fn))
}

// FindMatchingRoute returns the first route registered for the request method
// whose matcher accepts the request, along with its captures.
// Later routes are not consulted once one matches.
func (r *Router) FindMatchingRoute(opts MatchOptions) (*Route, *Params) {
	if opts.URL == nil {
		opts.URL = opts.Request.URL
	}
	if opts.Scope == nil {
		opts.Scope = r.scope
	}
	for _, route := range r.routes[normalizeMethod(opts.Request.Method)] {
		if result := route.Matcher.Match(opts); result.OK() {
			return route, result.params()
		}
	}
	return nil, nil
}

// HandleRequest handles a request with the matching route, or the default handler.
// It returns nil if the request is not handled: the request is not HTTP(S),
// or no route matches and there is no default handler.
// Otherwise the handler runs in its own goroutine and the returned future
// settles with its outcome, recovered by the catch handlers if it fails.
func (r *Router) HandleRequest(ctx context.Context, req *http.Request, event Event) *Future {
	u := r.resolve(req.URL)
	if u.Scheme != "http" && u.Scheme != "https" {
		r.trace(Trace{Kind: TraceSkipped, Request: req})
		return nil
	}

	route, params := r.FindMatchingRoute(MatchOptions{URL: u, Request: req, Event: event, Scope: r.scope})

	var handler Handler
	if route != nil {
		handler = route.Handler
		r.trace(Trace{Kind: TraceMatched, Request: req, Route: route, Params: params})
	} else if r.defaultHandler != nil {
		handler = r.defaultHandler
		r.trace(Trace{Kind: TraceDefault, Request: req})
	}
	if handler == nil {
		r.trace(Trace{Kind: TraceUnhandled, Request: req})
		return nil
	}

	opts := HandlerOptions{
		Context: ctx,
		URL:     u,
		Request: req,
		Event:   event,
		Params:  params,
	}
	f := newFuture()
	go func() {
		res, err := invoke(handler, opts)
		if err != nil {
			res, err = r.recoverFailure(route, opts, err)
		}
		f.settle(res, err)
	}()
	return f
}

// recoverFailure hands a failed request to the route's catch handler and then the router's.
// The error of the last catch handler tried is returned if none responds.
func (r *Router) recoverFailure(route *Route, opts HandlerOptions, err error) (*http.Response, error) {
	r.trace(Trace{Kind: TraceFailed, Request: opts.Request, Route: route, Params: opts.Params, Err: err})

	type catcher struct {
		handler Handler
		params  *Params
	}
	catchers := make([]catcher, 0, 2)
	if route != nil && route.CatchHandler != nil {
		catchers = append(catchers, catcher{route.CatchHandler, opts.Params})
	}
	if r.catchHandler != nil {
		catchers = append(catchers, catcher{r.catchHandler, nil})
	}
	for _, c := range catchers {
		catchOpts := HandlerOptions{
			Context: opts.Context,
			URL:     opts.URL,
			Request: opts.Request,
			Event:   opts.Event,
			Params:  c.params,
			Err:     err,
		}
		res, catchErr := invoke(c.handler, catchOpts)
		if catchErr == nil {
			r.trace(Trace{Kind: TraceRecovered, Request: opts.Request, Route: route, Err: err})
			return res, nil
		}
		r.log.Error().Err(catchErr).Str("url", opts.URL.String()).Msg("Catch handler failed")
		err = catchErr
	}
	return nil, err
}

// resolve returns the absolute URL of a request, resolving relative URLs against the scope.
func (r *Router) resolve(u *url.URL) *url.URL {
	if u.IsAbs() || r.scope == nil {
		return u
	}
	return r.scope.ResolveReference(u)
}

func (r *Router) trace(t Trace) {
	if r.tracer != nil {
		r.tracer.Trace(t)
	}
}
