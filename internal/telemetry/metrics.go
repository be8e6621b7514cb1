// Package telemetry provides logging and metrics for the assistant.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assistantgpt"

// Metrics holds the assistant's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	dispatches     *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
	tokens         *prometheus.CounterVec
	unauthorized   *prometheus.CounterVec
	transcriptions *prometheus.CounterVec
	sessionsSwept  prometheus.Counter
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Conversation cycles by terminal status.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a conversation cycle, lock wait excluded.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_dispatches_total",
			Help:      "Action dispatches by action and outcome.",
		}, []string{"action", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "Language model request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Tokens consumed by type.",
		}, []string{"type"}),
		unauthorized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_total",
			Help:      "Rejected messages by transport.",
		}, []string{"transport"}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Voice transcriptions by status.",
		}, []string{"status"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by the idle sweeper.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.dispatches, m.modelLatency,
		m.tokens, m.unauthorized, m.transcriptions, m.sessionsSwept,
	)
	return m
}

// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(status string, d time.Duration) {
	m.cycles.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// RecordDispatch records one action dispatch; outcome is "ok" or an error kind.
func (m *Metrics) RecordDispatch(action, outcome string) {
	m.dispatches.WithLabelValues(action, outcome).Inc()
}

// RecordModelCall records a model request.
func (m *Metrics) RecordModelCall(d time.Duration, err error, inputTokens, outputTokens int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.modelLatency.WithLabelValues(outcome).Observe(d.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordUnauthorized records a rejected message.
func (m *Metrics) RecordUnauthorized(transport string) {
	m.unauthorized.WithLabelValues(transport).Inc()
}

// RecordTranscription records a transcription attempt.
func (m *Metrics) RecordTranscription(status string) {
	m.transcriptions.WithLabelValues(status).Inc()
}

// RecordSweep records sessions removed by the idle sweeper.
func (m *Metrics) RecordSweep(removed int) {
	m.sessionsSwept.Add(float64(removed))
}

// RegisterGauge exposes a value computed at scrape time, such as the number
// of live sessions.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
