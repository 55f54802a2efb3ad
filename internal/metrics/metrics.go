package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported on /metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ProviderRequests  *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	FallbackTotal     *prometheus.CounterVec
	AlertTransitions  *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	ConversionsTotal  *prometheus.CounterVec
	DigestRecipients  *prometheus.CounterVec
	EvaluationPasses  prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_provider_requests_total",
				Help: "Rate provider requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxwatch_provider_request_duration_seconds",
				Help:    "Rate provider request latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"provider"},
		),
		FallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_rate_fallback_total",
				Help: "Rates served from the static fallback table",
			},
			[]string{"reason"},
		),
		AlertTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_alert_transitions_total",
				Help: "Alert state transitions by kind",
			},
			[]string{"kind"},
		),
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_dispatch_total",
				Help: "Outbound notifications by outcome",
			},
			[]string{"outcome"},
		),
		ConversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_conversions_total",
				Help: "Completed conversions by pair and mode",
			},
			[]string{"pair", "mode"},
		),
		DigestRecipients: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_digest_recipients_total",
				Help: "Daily digest deliveries by outcome",
			},
			[]string{"outcome"},
		),
		EvaluationPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fxwatch_evaluation_passes_total",
				Help: "Completed alert evaluation passes",
			},
		),
		PersistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxwatch_persistence_errors_total",
				Help: "Failed snapshot writes by collection",
			},
			[]string{"collection"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ProviderRequests,
			m.ProviderDuration,
			m.FallbackTotal,
			m.AlertTransitions,
			m.DispatchTotal,
			m.ConversionsTotal,
			m.DigestRecipients,
			m.EvaluationPasses,
			m.PersistenceErrors,
		)
	}
	return m
}

// ObserveProvider records one provider call.
func (m *Metrics) ObserveProvider(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	m.ProviderDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveFallback records a rate served from the fallback table.
func (m *Metrics) ObserveFallback(reason string) {
	if m == nil {
		return
	}
	m.FallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveTransition records an alert state change.
func (m *Metrics) ObserveTransition(kind string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(kind).Inc()
}

// ObserveDispatch records a notification outcome.
func (m *Metrics) ObserveDispatch(delivered bool) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(outcome(delivered)).Inc()
}

// ObserveConversion records a completed conversion.
func (m *Metrics) ObserveConversion(pair, mode string) {
	if m == nil {
		return
	}
	m.ConversionsTotal.WithLabelValues(pair, mode).Inc()
}

// ObserveDigest records a digest delivery outcome.
func (m *Metrics) ObserveDigest(delivered bool) {
	if m == nil {
		return
	}
	m.DigestRecipients.WithLabelValues(outcome(delivered)).Inc()
}

// ObservePass records a finished evaluation pass.
func (m *Metrics) ObservePass() {
	if m == nil {
		return
	}
	m.EvaluationPasses.Inc()
}

// ObservePersistenceError records a failed snapshot write.
func (m *Metrics) ObservePersistenceError(collection string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(collection).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
