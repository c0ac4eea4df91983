package intercept

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRouter(diagnostics bool) *Router {
	logger := zerolog.Nop()
	scope, _ := url.Parse("https://app.test/")
	return New(Config{Scope: scope, Logger: &logger, Diagnostics: diagnostics})
}

func pathMatcher(path string) Matcher {
	return MatchFunc(func(opts MatchOptions) MatchResult {
		if opts.URL.Path == path {
			return Matched()
		}
		return NoMatch()
	})
}

func textHandler(body string) Handler {
	return HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return textResponse(body), nil
	})
}

func textResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func mustBody(t *testing.T, f *Future) string {
	t.Helper()
	if f == nil {
		t.Fatal("Request was not handled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Future failed: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestFirstRegisteredRouteWins(t *testing.T) {
	router := newTestRouter(true)
	var bCalls int32
	routeA := NewRoute(pathMatcher("/a"), textHandler("A"), "GET")
	routeB := NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		atomic.AddInt32(&bCalls, 1)
		return textResponse("B"), nil
	}), "GET")
	if err := router.RegisterRoute(routeA); err != nil {
		t.Fatal(err)
	}
	if err := router.RegisterRoute(routeB); err != nil {
		t.Fatal(err)
	}

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)

	if body := mustBody(t, f); body != "A" {
		t.Fatalf("Body is %s", body)
	}
	if atomic.LoadInt32(&bCalls) != 0 {
		t.Fatalf("Second route handler called %d times", bCalls)
	}
}

func TestMatchingStopsAtFirstMatch(t *testing.T) {
	router := newTestRouter(false)
	var evaluated []string
	matcher := func(name string, ok bool) Matcher {
		return MatchFunc(func(opts MatchOptions) MatchResult {
			evaluated = append(evaluated, name)
			if ok {
				return Matched()
			}
			return NoMatch()
		})
	}
	router.RegisterRoute(NewRoute(matcher("first", false), textHandler("1"), "GET"))
	router.RegisterRoute(NewRoute(matcher("second", true), textHandler("2"), "GET"))
	router.RegisterRoute(NewRoute(matcher("third", true), textHandler("3"), "GET"))

	route, _ := router.FindMatchingRoute(MatchOptions{Request: httptest.NewRequest("GET", "https://app.test/", nil)})

	if route == nil || route != router.Routes()["GET"][1] {
		t.Fatalf("Wrong route matched: %+v", route)
	}
	if strings.Join(evaluated, ",") != "first,second" {
		t.Fatalf("Evaluated matchers %v", evaluated)
	}
}

func TestRoutesAreScopedByMethod(t *testing.T) {
	router := newTestRouter(true)
	router.RegisterRoute(NewRoute(pathMatcher("/a"), textHandler("post"), "post"))

	if f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil); f != nil {
		t.Fatal("GET request handled by POST route")
	}
	f := router.HandleRequest(context.Background(), httptest.NewRequest("POST", "https://app.test/a", nil), nil)
	if body := mustBody(t, f); body != "post" {
		t.Fatalf("Body is %s", body)
	}
}

func TestUnregisterRoute(t *testing.T) {
	router := newTestRouter(true)
	routeA := NewRoute(pathMatcher("/a"), textHandler("A"), "GET")
	routeB := NewRoute(pathMatcher("/a"), textHandler("B"), "GET")
	routeC := NewRoute(pathMatcher("/c"), textHandler("C"), "GET")
	router.RegisterRoute(routeA)
	router.RegisterRoute(routeB)
	router.RegisterRoute(routeC)

	if err := router.UnregisterRoute(routeA); err != nil {
		t.Fatal(err)
	}
	routes := router.Routes()["GET"]
	if len(routes) != 2 || routes[0] != routeB || routes[1] != routeC {
		t.Fatalf("Routes after unregistering: %v", routes)
	}

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)
	if body := mustBody(t, f); body != "B" {
		t.Fatalf("Body is %s", body)
	}

	if err := router.UnregisterRoute(routeA); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Unregistering twice returned %v", err)
	}
}

func TestUnregisterRouteByIdentity(t *testing.T) {
	router := newTestRouter(true)
	handler := textHandler("A")
	matcher := pathMatcher("/a")
	registered := NewRoute(matcher, handler, "GET")
	lookalike := &Route{Method: "GET", Matcher: matcher, Handler: handler}
	router.RegisterRoute(registered)

	if err := router.UnregisterRoute(lookalike); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("Unregistering an equal route returned %v", err)
	}
	if len(router.Routes()["GET"]) != 1 {
		t.Fatal("Equal route removed the registered route")
	}
}

func TestUnregisterRouteUnknownMethod(t *testing.T) {
	router := newTestRouter(true)
	router.RegisterRoute(NewRoute(pathMatcher("/a"), textHandler("A"), "GET"))

	err := router.UnregisterRoute(NewRoute(pathMatcher("/a"), textHandler("A"), "PUT"))
	if !errors.Is(err, ErrMethodNotRegistered) {
		t.Fatalf("Error is %v", err)
	}
	if errors.Is(err, ErrRouteNotFound) {
		t.Fatal("Method error is indistinguishable from route error")
	}
}

func TestRegisterRouteValidation(t *testing.T) {
	router := newTestRouter(true)
	cases := map[string]*Route{
		"route":   nil,
		"matcher": {Method: "GET", Handler: textHandler("")},
		"handler": {Method: "GET", Matcher: pathMatcher("/")},
		"method":  {Method: "GE T", Matcher: pathMatcher("/"), Handler: textHandler("")},
	}
	for field, route := range cases {
		err := router.RegisterRoute(route)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) || validationErr.Field != field {
			t.Fatalf("Registering route with bad %s returned %v", field, err)
		}
	}
	if len(router.Routes()) != 0 {
		t.Fatal("Invalid routes were registered")
	}
}

func TestRegisterRouteWithoutDiagnostics(t *testing.T) {
	router := newTestRouter(false)
	if err := router.RegisterRoute(&Route{Method: "GE T", Matcher: pathMatcher("/"), Handler: textHandler("")}); err != nil {
		t.Fatalf("Registration validated without diagnostics: %v", err)
	}
	var validationErr *ValidationError
	if err := router.RegisterRoute(nil); !errors.As(err, &validationErr) || validationErr.Field != "route" {
		t.Fatalf("Registering nil route returned %v", err)
	}
	if len(router.Routes()["GET"]) != 0 {
		t.Fatal("Nil route was registered")
	}
}

func TestNonHTTPSchemeIsNotHandled(t *testing.T) {
	router := newTestRouter(true)
	var calls int32
	handler := HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return textResponse(""), nil
	})
	router.RegisterRoute(NewRoute(MatchFunc(func(MatchOptions) MatchResult { return Matched() }), handler, "GET"))
	router.SetDefaultHandler(handler)

	req, _ := http.NewRequest("GET", "chrome-extension://abc/script.js", nil)
	if f := router.HandleRequest(context.Background(), req, nil); f != nil {
		t.Fatal("Non-HTTP request was handled")
	}
	if calls != 0 {
		t.Fatalf("Handler called %d times", calls)
	}
}

func TestRelativeURLsAreResolvedAgainstScope(t *testing.T) {
	router := newTestRouter(true)
	var got string
	router.RegisterRoute(NewRoute(pathMatcher("/x.js"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		got = opts.URL.String()
		return textResponse(""), nil
	}), "GET"))

	req := &http.Request{Method: "GET", URL: &url.URL{Path: "./x.js"}, Header: http.Header{}}
	mustBody(t, router.HandleRequest(context.Background(), req, nil))

	if got != "https://app.test/x.js" {
		t.Fatalf("Handler got URL %s", got)
	}
}

func TestEmptyCapturesBecomeNilParams(t *testing.T) {
	results := map[string]MatchResult{
		"sentinel":       Matched(),
		"empty values":   MatchedValues(),
		"empty named":    MatchedNamed(map[string]string{}),
		"nil named":      MatchedNamed(nil),
		"explicit empty": MatchedValues([]string{}...),
	}
	for name, result := range results {
		router := newTestRouter(true)
		result := result
		var params *Params
		called := false
		router.RegisterRoute(NewRoute(MatchFunc(func(MatchOptions) MatchResult { return result }), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
			called = true
			params = opts.Params
			return textResponse(""), nil
		}), "GET"))

		mustBody(t, router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/", nil), nil))

		if !called {
			t.Fatalf("%s: handler not called", name)
		}
		if params != nil {
			t.Fatalf("%s: params are %+v", name, params)
		}
	}
}

func TestCapturesArePassedToHandler(t *testing.T) {
	router := newTestRouter(true)
	var values, named *Params
	router.RegisterRoute(NewRoute(MatchFunc(func(opts MatchOptions) MatchResult {
		if opts.URL.Path == "/values" {
			return MatchedValues("one", "two")
		}
		return NoMatch()
	}), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		values = opts.Params
		return textResponse(""), nil
	}), "GET"))
	router.RegisterRoute(NewRoute(MatchFunc(func(opts MatchOptions) MatchResult {
		if opts.URL.Path == "/named" {
			return MatchedNamed(map[string]string{"id": "42"})
		}
		return NoMatch()
	}), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		named = opts.Params
		return textResponse(""), nil
	}), "GET"))

	mustBody(t, router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/values", nil), nil))
	mustBody(t, router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/named", nil), nil))

	if values.Index(1) != "two" || values.Named != nil {
		t.Fatalf("Positional params are %+v", values)
	}
	if named.Get("id") != "42" || named.Values != nil {
		t.Fatalf("Named params are %+v", named)
	}
}

func TestDefaultHandler(t *testing.T) {
	router := newTestRouter(true)
	var params *Params
	called := false
	router.SetDefaultHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		called = true
		params = opts.Params
		return textResponse("default"), nil
	})

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/anything", nil), nil)

	if body := mustBody(t, f); body != "default" {
		t.Fatalf("Body is %s", body)
	}
	if !called || params != nil {
		t.Fatalf("Default handler called %v with params %+v", called, params)
	}
}

func TestNoRouteNoDefaultIsUnhandled(t *testing.T) {
	router := newTestRouter(true)
	router.RegisterRoute(NewRoute(pathMatcher("/a"), textHandler("A"), "GET"))

	if f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/b", nil), nil); f != nil {
		t.Fatal("Unmatched request was handled")
	}
}

func TestCatchHandlerRecoversPanic(t *testing.T) {
	router := newTestRouter(true)
	var catchCalls int32
	var caught error
	router.RegisterRoute(NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		panic("boom")
	}), "GET"))
	router.SetCatchHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		atomic.AddInt32(&catchCalls, 1)
		caught = opts.Err
		if opts.Params != nil {
			t.Errorf("Catch handler got params %+v", opts.Params)
		}
		return textResponse("fallback"), nil
	})

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)

	if body := mustBody(t, f); body != "fallback" {
		t.Fatalf("Body is %s", body)
	}
	if catchCalls != 1 {
		t.Fatalf("Catch handler called %d times", catchCalls)
	}
	var panicErr *PanicError
	if !errors.As(caught, &panicErr) || panicErr.Value != "boom" {
		t.Fatalf("Catch handler got error %v", caught)
	}
}

func TestCatchHandlerRecoversError(t *testing.T) {
	router := newTestRouter(true)
	handlerErr := errors.New("offline")
	router.RegisterRoute(NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, handlerErr
	}), "GET"))
	router.SetCatchHandler(textHandler("fallback"))

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)

	if body := mustBody(t, f); body != "fallback" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFailureWithoutCatchHandler(t *testing.T) {
	router := newTestRouter(true)
	router.RegisterRoute(NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		panic(errors.New("boom"))
	}), "GET"))

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)
	if f == nil {
		t.Fatal("Request was not handled")
	}
	res, err := f.Result()
	if err == nil || res != nil {
		t.Fatalf("Future settled with %v, %v", res, err)
	}
	if err.Error() != "handler panicked: boom" {
		t.Fatalf("Error is %v", err)
	}
}

func TestCatchHandlerFailurePropagates(t *testing.T) {
	router := newTestRouter(true)
	catchErr := errors.New("catch failed")
	router.SetDefaultHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, errors.New("default failed")
	})
	router.SetCatchHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, catchErr
	})

	_, err := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/", nil), nil).Result()

	if !errors.Is(err, catchErr) {
		t.Fatalf("Error is %v", err)
	}
}

func TestRouteCatchHandlerRunsFirst(t *testing.T) {
	router := newTestRouter(true)
	route := NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, errors.New("failed")
	}), "GET")
	route.SetCatchHandler(HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, errors.New("route catch failed")
	}))
	router.RegisterRoute(route)
	var caught error
	router.SetCatchHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		caught = opts.Err
		return textResponse("global"), nil
	})

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil)

	if body := mustBody(t, f); body != "global" {
		t.Fatalf("Body is %s", body)
	}
	if caught == nil || caught.Error() != "route catch failed" {
		t.Fatalf("Router catch handler got %v", caught)
	}
}

type recordingTracer struct {
	kinds []TraceKind
}

func (r *recordingTracer) Trace(t Trace) {
	r.kinds = append(r.kinds, t.Kind)
}

func TestTracer(t *testing.T) {
	tracer := &recordingTracer{}
	logger := zerolog.Nop()
	router := New(Config{Logger: &logger, Tracer: MultiTracer{tracer, LogTracer{Logger: logger}}})
	router.RegisterRoute(NewRoute(pathMatcher("/a"), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, errors.New("failed")
	}), "GET"))
	router.SetCatchHandler(textHandler("fallback"))

	router.HandleRequest(context.Background(), httptest.NewRequest("GET", "ftp://app.test/a", nil), nil)
	mustBody(t, router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/a", nil), nil))
	router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/b", nil), nil)

	want := []TraceKind{TraceSkipped, TraceMatched, TraceFailed, TraceRecovered, TraceUnhandled}
	if len(tracer.kinds) != len(want) {
		t.Fatalf("Traces are %v", tracer.kinds)
	}
	for i := range want {
		if tracer.kinds[i] != want[i] {
			t.Fatalf("Traces are %v", tracer.kinds)
		}
	}
}

func TestRouteCatchHandlerGetsParams(t *testing.T) {
	router := newTestRouter(true)
	route := NewRoute(MatchFunc(func(opts MatchOptions) MatchResult {
		return MatchedNamed(map[string]string{"id": "42"})
	}), HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		return nil, errors.New("failed")
	}), "GET")
	var routeParams *Params
	route.SetCatchHandler(HandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		routeParams = opts.Params
		return nil, errors.New("route catch failed")
	}))
	router.RegisterRoute(route)
	globalParams := &Params{}
	router.SetCatchHandlerFunc(func(opts HandlerOptions) (*http.Response, error) {
		globalParams = opts.Params
		return textResponse("global"), nil
	})

	f := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/articles/42", nil), nil)

	if body := mustBody(t, f); body != "global" {
		t.Fatalf("Body is %s", body)
	}
	if routeParams.Get("id") != "42" {
		t.Fatalf("Route catch handler got params %+v", routeParams)
	}
	if globalParams != nil {
		t.Fatalf("Router catch handler got params %+v", globalParams)
	}
}
