// Package metrics holds the Prometheus collectors shared by the engine, the
// callback processor and the dispatchers. A nil *Recorder is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "validations"

type Recorder struct {
	registry       *prometheus.Registry
	runsFinalized  *prometheus.CounterVec
	callbacks      *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	stepDurations  *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	findingsStored *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		runsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finalized_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status", "category"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Inbound job callbacks by outcome.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Resume tasks handed to the dispatcher.",
		}, []string{"strategy", "result"}),
		stepDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of step validator invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"validator", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status class.",
		}, []string{"method", "route", "status"}),
		findingsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_stored_total",
			Help:      "Findings persisted by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(
		r.runsFinalized,
		r.callbacks,
		r.dispatches,
		r.stepDurations,
		r.httpRequests,
		r.findingsStored,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RunFinalized(status, category string) {
	if r == nil {
		return
	}
	r.runsFinalized.WithLabelValues(status, category).Inc()
}

func (r *Recorder) Callback(outcome string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Dispatch(strategy, result string) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(strategy, result).Inc()
}

func (r *Recorder) StepObserved(validator, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stepDurations.WithLabelValues(validator, outcome).Observe(d.Seconds())
}

func (r *Recorder) HTTPRequest(method, route string, status int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func (r *Recorder) FindingsStored(severity string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.findingsStored.WithLabelValues(severity).Add(float64(n))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
