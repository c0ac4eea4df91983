package intercept

import (
	"net/http"

	"github.com/rs/zerolog"
)

// TraceKind says what happened to a request.
type TraceKind int

const (
	// The request was not HTTP(S) and was left alone.
	TraceSkipped TraceKind = iota
	// A route matched.
	TraceMatched
	// No route matched and the default handler was used.
	TraceDefault
	// No route matched and there is no default handler.
	TraceUnhandled
	// The handler failed.
	TraceFailed
	// A catch handler produced a response after a failure.
	TraceRecovered
)

func (k TraceKind) String() string {
	switch k {
	case TraceSkipped:
		return "skipped"
	case TraceMatched:
		return "matched"
	case TraceDefault:
		return "default"
	case TraceUnhandled:
		return "unhandled"
	case TraceFailed:
		return "failed"
	case TraceRecovered:
		return "recovered"
	}
	return "unknown"
}

// Trace describes one step of handling a request.
type Trace struct {
	Kind    TraceKind
	Request *http.Request
	// Matched route, for TraceMatched and the failures that follow it.
	Route  *Route
	Params *Params
	Err    error
}

// Tracer observes the router's decisions. It must not block.
type Tracer interface {
	Trace(t Trace)
}

// MultiTracer sends traces to all of its tracers in order.
type MultiTracer []Tracer

func (m MultiTracer) Trace(t Trace) {
	for _, tracer := range m {
		tracer.Trace(t)
	}
}

// LogTracer writes traces to a zerolog logger at debug level, failures at warn level.
type LogTracer struct {
	Logger zerolog.Logger
}

func (l LogTracer) Trace(t Trace) {
	var evt *zerolog.Event
	if t.Kind == TraceFailed {
		evt = l.Logger.Warn().Err(t.Err)
	} else {
		evt = l.Logger.Debug()
	}
	if t.Request != nil {
		evt = evt.Str("method", t.Request.Method).Str("url", t.Request.URL.String())
	}
	if t.Params != nil {
		if len(t.Params.Values) > 0 {
			evt = evt.Strs("params", t.Params.Values)
		}
		if len(t.Params.Named) > 0 {
			evt = evt.Interface("named", t.Params.Named)
		}
	}
	evt.Str("trace", t.Kind.String()).Msg(traceMessages[t.Kind])
}

var traceMessages = map[TraceKind]string{
	TraceSkipped:   "Router only supports HTTP(S) requests",
	TraceMatched:   "Found a route to handle the request",
	TraceDefault:   "Failed to find a matching route, falling back to the default handler",
	TraceUnhandled: "No route found",
	TraceFailed:    "Error thrown when responding",
	TraceRecovered: "Catch handler responded",
}
