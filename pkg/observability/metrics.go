package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters/histograms spec.md §6 requires the
// /metrics endpoint to expose: "submission/evaluation/decision counters
// and latencies, queue depths, escalation counts and resolution times,
// policy evaluation counters, revocation-check outcomes, DB/cache pool
// states". pkg/api/ops.go serves these through promhttp.Handler() against
// the default registry these are registered into.
type Metrics struct {
	IntentsSubmitted   *prometheus.CounterVec
	IntentsDecided     *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	EscalationsOpened  *prometheus.CounterVec
	EscalationDuration prometheus.Histogram
	RevocationChecks   *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against
// prometheus's default registry, the same registry promhttp.Handler()
// serves.
func NewMetrics() *Metrics {
	m := &Metrics{
		IntentsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentd_intents_submitted_total",
			Help: "Total intents submitted, labeled by tenant.",
		}, []string{"tenant_id"}),
		IntentsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentd_intents_decided_total",
			Help: "Total intents reaching a terminal decision, labeled by tenant and outcome.",
		}, []string{"tenant_id", "outcome"}),
		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intentd_evaluation_duration_seconds",
			Help:    "Duration of policy evaluation, labeled by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intentd_queue_depth",
			Help: "Current depth of each worker queue.",
		}, []string{"stage"}),
		EscalationsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentd_escalations_opened_total",
			Help: "Total escalations opened, labeled by tenant.",
		}, []string{"tenant_id"}),
		EscalationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intentd_escalation_resolution_seconds",
			Help:    "Time from escalation creation to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		RevocationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intentd_revocation_checks_total",
			Help: "Total token revocation checks, labeled by outcome.",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.IntentsSubmitted, m.IntentsDecided, m.EvaluationDuration,
		m.QueueDepth, m.EscalationsOpened, m.EscalationDuration, m.RevocationChecks,
	)
	return m
}
