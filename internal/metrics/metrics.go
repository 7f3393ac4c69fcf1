// Package metrics holds the Prometheus collectors for the ingestion path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived   *prometheus.CounterVec
	codesExtracted     *prometheus.CounterVec
	forwards           *prometheus.CounterVec
	collaboratorErrors *prometheus.CounterVec
	pipelineDuration   prometheus.Histogram
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_messages_received_total",
			Help: "Inbound messages by mailbox match result",
		}, []string{"result"}),
		codesExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_codes_extracted_total",
			Help: "Verification code extraction outcomes by source",
		}, []string{"source"}),
		forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_forward_total",
			Help: "Forward attempts by provider and status",
		}, []string{"provider", "status"}),
		collaboratorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tempmail_collaborator_errors_total",
			Help: "Failed pipeline steps",
		}, []string{"step"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_pipeline_duration_seconds",
			Help:    "Wall time of one pipeline invocation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageReceived counts an inbound message as matched or unmatched.
func (m *Metrics) MessageReceived(matched bool) {
	if m == nil {
		return
	}
	result := "unmatched"
	if matched {
		result = "matched"
	}
	m.messagesReceived.WithLabelValues(result).Inc()
}

// CodeExtracted counts an extraction outcome. Use "none" for a miss.
func (m *Metrics) CodeExtracted(source string) {
	if m == nil {
		return
	}
	m.codesExtracted.WithLabelValues(source).Inc()
}

// Forward counts a forward attempt.
func (m *Metrics) Forward(provider, status string) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(provider, status).Inc()
}

// CollaboratorError counts a failed pipeline step.
func (m *Metrics) CollaboratorError(step string) {
	if m == nil {
		return
	}
	m.collaboratorErrors.WithLabelValues(step).Inc()
}

// ObserveDuration records the duration of one pipeline invocation.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}
