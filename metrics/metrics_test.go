package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/intercept"
)

func TestTracerCountsKinds(t *testing.T) {
	tracer := NewTracer(prometheus.NewRegistry())
	req := httptest.NewRequest("GET", "https://app.test/", nil)

	tracer.Trace(intercept.Trace{Kind: intercept.TraceMatched, Request: req})
	tracer.Trace(intercept.Trace{Kind: intercept.TraceMatched, Request: req})
	tracer.Trace(intercept.Trace{Kind: intercept.TraceFailed, Request: req, Err: errors.New("offline")})
	tracer.Trace(intercept.Trace{Kind: intercept.TraceFailed, Request: req, Err: &intercept.PanicError{Value: "bug"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(tracer.traces.WithLabelValues("matched", "GET")))
	assert.Equal(t, 2.0, testutil.ToFloat64(tracer.traces.WithLabelValues("failed", "GET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.panics))
}

func TestTracerWithRouter(t *testing.T) {
	nop := zerolog.Nop()
	scope, _ := url.Parse("https://app.test/")
	tracer := NewTracer(prometheus.NewRegistry())
	router := intercept.New(intercept.Config{Scope: scope, Logger: &nop, Tracer: tracer})
	router.SetDefaultHandlerFunc(func(intercept.HandlerOptions) (*http.Response, error) {
		panic("bug")
	})
	router.SetCatchHandlerFunc(func(opts intercept.HandlerOptions) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusServiceUnavailable, Request: opts.Request}, nil
	})

	res, err := router.HandleRequest(context.Background(), httptest.NewRequest("GET", "https://app.test/x", nil), nil).Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.traces.WithLabelValues("default", "GET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.traces.WithLabelValues("recovered", "GET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tracer.panics))
}
