package intercept

import (
	"context"
	"net/http"
	"net/url"
)

// HandlerOptions is the context a handler gets to produce a response.
type HandlerOptions struct {
	// Context of the request. The router never cancels it on its own.
	Context context.Context
	// Absolute URL of the request.
	URL *url.URL
	// The intercepted request.
	Request *http.Request
	// Event that triggered the request, if any.
	Event Event
	// Captures from the route's matcher. Nil if nothing was captured.
	// A route's own catch handler gets the captures of the route,
	// the default handler and the router's catch handler never get any.
	Params *Params
	// Failure that caused a catch handler to be invoked. Nil otherwise.
	Err error
}

// Handler produces the response for an intercepted request.
// Handlers are run in their own goroutine; a panic counts as a failure.
type Handler interface {
	Handle(opts HandlerOptions) (*http.Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(opts HandlerOptions) (*http.Response, error)

// Handle calls f(opts).
func (f HandlerFunc) Handle(opts HandlerOptions) (*http.Response, error) {
	return f(opts)
}

// invoke calls the handler, turning a panic into a *PanicError.
func invoke(handler Handler, opts HandlerOptions) (res *http.Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			res = nil
			err = &PanicError{Value: v}
		}
	}()
	return handler.Handle(opts)
}
