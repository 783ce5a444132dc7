package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the extractor. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	eventTransitions *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	pipelinesTotal   *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. When reg is nil a
// fresh registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_jobs_total",
				Help: "Evaluator job invocations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_job_duration_seconds",
				Help:    "Evaluator job latency",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"kind"},
		),
		eventTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_event_transitions_total",
				Help: "Event state changes applied to tasks",
			},
			[]string{"transition"}, // "added", "unchanged", "removed"
		),
		webhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_webhooks_total",
				Help: "Outbound webhook deliveries by result",
			},
			[]string{"result"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_pipeline_duration_seconds",
				Help:    "Pipeline run latency",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"pipeline"},
		),
		pipelinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_pipelines_total",
				Help: "Pipeline runs by result",
			},
			[]string{"pipeline", "result"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "extractor_queue_inflight",
				Help: "Background work items currently running",
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.eventTransitions,
		m.webhooksTotal,
		m.pipelineDuration,
		m.pipelinesTotal,
		m.queueDepth,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// RecordJob observes one evaluator invocation
func (m *Metrics) RecordJob(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordEventTransition counts an added, unchanged or removed event
func (m *Metrics) RecordEventTransition(transition string) {
	if m == nil {
		return
	}
	m.eventTransitions.WithLabelValues(transition).Inc()
}

// RecordWebhook counts a webhook delivery attempt
func (m *Metrics) RecordWebhook(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.webhooksTotal.WithLabelValues(result).Inc()
}

// RecordPipeline observes one pipeline run
func (m *Metrics) RecordPipeline(pipeline string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pipelinesTotal.WithLabelValues(pipeline, result).Inc()
	m.pipelineDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

// WorkStarted and WorkFinished track background work in flight
func (m *Metrics) WorkStarted(kind string) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkFinished(kind string) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(kind).Dec()
}

// Middleware records request counts and latency labelled by mux route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
