package worker

// metrics.go mirrors the metricsSink abstraction used elsewhere in this
// codebase: a tiny interface the hot path calls unconditionally, backed by
// either a no-op or a Prometheus implementation chosen once at
// construction, so callers that never opt into metrics pay nothing for it.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	observeCompile(d time.Duration)
	observeEvaluate(d time.Duration)
	observeGc(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) observeCompile(time.Duration)  {}
func (noopMetrics) observeEvaluate(time.Duration) {}
func (noopMetrics) observeGc(time.Duration)        {}

type promMetrics struct {
	compile  prometheus.Histogram
	evaluate prometheus.Histogram
	gc       prometheus.Histogram
}

func newPromMetrics(names MetricNames, reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		compile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: names.CompileDuration,
			Help: "Time to compile and instantiate a WASM module, in seconds.",
		}),
		evaluate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: names.EvaluateDuration,
			Help: "Time to handle one Evaluate message, in seconds.",
		}),
		gc: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: names.GcDuration,
			Help: "Time to handle one Gc message, in seconds.",
		}),
	}
	reg.MustRegister(pm.compile, pm.evaluate, pm.gc)
	return pm
}

func (m *promMetrics) observeCompile(d time.Duration)  { m.compile.Observe(d.Seconds()) }
func (m *promMetrics) observeEvaluate(d time.Duration) { m.evaluate.Observe(d.Seconds()) }
func (m *promMetrics) observeGc(d time.Duration)        { m.gc.Observe(d.Seconds()) }

func newMetricsSink(names MetricNames, reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(names, reg)
}
