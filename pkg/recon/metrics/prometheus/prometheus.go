package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements recon.Metrics using Prometheus.
type Metrics struct {
	reconciliationsTotal  *prometheus.CounterVec
	transitionsTotal      *prometheus.CounterVec
	amountMismatchesTotal *prometheus.CounterVec
	duplicateEventsTotal  *prometheus.CounterVec
	reconcileDuration     *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// reconciliation engine.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recon",
			Name:      "reconciliations_total",
			Help:      "Total number of payment event reconciliations by outcome.",
		}, []string{"provider", "entity_type", "outcome"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recon",
			Name:      "transitions_total",
			Help:      "Total number of applied payment status transitions.",
		}, []string{"provider", "from_status", "to_status"}),

		amountMismatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recon",
			Name:      "amount_mismatches_total",
			Help:      "Total number of rejected under/over-payments.",
		}, []string{"provider", "entity_type"}),

		duplicateEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recon",
			Name:      "duplicate_events_total",
			Help:      "Total number of deduplicated replay deliveries.",
		}, []string{"provider"}),

		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recon",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of payment event reconciliation in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}

func (m *Metrics) RecordReconciliation(provider, entityType, outcome string) {
	m.reconciliationsTotal.WithLabelValues(provider, entityType, outcome).Inc()
}

func (m *Metrics) RecordTransition(provider, fromStatus, toStatus string) {
	m.transitionsTotal.WithLabelValues(provider, fromStatus, toStatus).Inc()
}

func (m *Metrics) RecordAmountMismatch(provider, entityType string) {
	m.amountMismatchesTotal.WithLabelValues(provider, entityType).Inc()
}

func (m *Metrics) RecordDuplicateEvent(provider string) {
	m.duplicateEventsTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordReconcileDuration(provider string, duration time.Duration) {
	m.reconcileDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
