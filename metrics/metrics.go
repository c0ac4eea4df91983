// Package metrics exports the router's decisions as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/always-cache/intercept"
)

// Tracer counts traces by kind and request method.
type Tracer struct {
	traces *prometheus.CounterVec
	panics prometheus.Counter
}

// NewTracer registers the metrics with reg, the default registerer if nil.
func NewTracer(reg prometheus.Registerer) *Tracer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Tracer{
		traces: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Subsystem: "router",
				Name:      "traces_total",
				Help:      "Total number of routing decisions by kind",
			},
			[]string{"kind", "method"},
		),
		panics: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "intercept",
				Subsystem: "router",
				Name:      "handler_panics_total",
				Help:      "Total number of recovered handler panics",
			},
		),
	}
}

func (t *Tracer) Trace(tr intercept.Trace) {
	method := ""
	if tr.Request != nil {
		method = tr.Request.Method
	}
	t.traces.WithLabelValues(tr.Kind.String(), method).Inc()

	var panicErr *intercept.PanicError
	if tr.Kind == intercept.TraceFailed && errors.As(tr.Err, &panicErr) {
		t.panics.Inc()
	}
}
