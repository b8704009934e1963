// Package metrics holds the Prometheus collectors for acquisition and
// extraction. All helpers are nil-safe so callers can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the pipeline.
type Metrics struct {
	Registry           *prometheus.Registry
	FetchAttempts      *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	BlockersDetected   *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	FetchResults       *prometheus.CounterVec
	Extractions        *prometheus.CounterVec
	CompletionTokens   *prometheus.CounterVec
	ValidationFailures prometheus.Counter
	Anomalies          *prometheus.CounterVec
	ManualReviews      prometheus.Counter
}

// New constructs and registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_fetch_attempts_total",
				Help: "Acquisition attempts by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "versionvault_fetch_duration_seconds",
				Help:    "Latency of a single acquisition attempt.",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"method"},
		),
		BlockersDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_blockers_detected_total",
				Help: "Responses classified as blocked, by blocker type.",
			},
			[]string{"blocker"},
		),
		Escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_escalations_total",
				Help: "Method escalations by target method.",
			},
			[]string{"to"},
		),
		FetchResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_fetch_results_total",
				Help: "Terminal fetch results by final method and success.",
			},
			[]string{"method", "success"},
		),
		Extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_extractions_total",
				Help: "Extractions by completion provider and result.",
			},
			[]string{"provider", "result"},
		),
		CompletionTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_completion_tokens_total",
				Help: "Completion service tokens by direction.",
			},
			[]string{"direction"},
		),
		ValidationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versionvault_validation_failures_total",
				Help: "Extractions whose validation result was not valid.",
			},
		),
		Anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versionvault_anomalies_total",
				Help: "Detected anomalies by type and severity.",
			},
			[]string{"type", "severity"},
		),
		ManualReviews: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versionvault_manual_reviews_total",
				Help: "Extractions flagged for manual review.",
			},
		),
	}

	registry.MustRegister(
		m.FetchAttempts, m.FetchDuration, m.BlockersDetected, m.Escalations,
		m.FetchResults, m.Extractions, m.CompletionTokens, m.ValidationFailures,
		m.Anomalies, m.ManualReviews,
	)
	return m
}

// ObserveAttempt records one acquisition attempt.
func (m *Metrics) ObserveAttempt(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(method, outcome).Inc()
	m.FetchDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncBlocker counts a blocked response.
func (m *Metrics) IncBlocker(blocker string) {
	if m == nil {
		return
	}
	m.BlockersDetected.WithLabelValues(blocker).Inc()
}

// IncEscalation counts a move to a more expensive method.
func (m *Metrics) IncEscalation(to string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(to).Inc()
}

// IncFetchResult counts a terminal fetch result.
func (m *Metrics) IncFetchResult(method string, success bool) {
	if m == nil {
		return
	}
	m.FetchResults.WithLabelValues(method, boolLabel(success)).Inc()
}

// IncExtraction counts an extraction outcome ("ok", "fallback").
func (m *Metrics) IncExtraction(provider, result string) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(provider, result).Inc()
}

// AddTokens adds completion token usage.
func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	m.CompletionTokens.WithLabelValues("input").Add(float64(input))
	m.CompletionTokens.WithLabelValues("output").Add(float64(output))
}

// IncValidationFailure counts an invalid validation result.
func (m *Metrics) IncValidationFailure() {
	if m == nil {
		return
	}
	m.ValidationFailures.Inc()
}

// IncAnomaly counts a detected anomaly.
func (m *Metrics) IncAnomaly(kind, severity string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind, severity).Inc()
}

// IncManualReview counts an extraction flagged for review.
func (m *Metrics) IncManualReview() {
	if m == nil {
		return
	}
	m.ManualReviews.Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
