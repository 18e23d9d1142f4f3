package recon

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - the engine gracefully handles nil metrics.
type Metrics interface {
	// RecordReconciliation records one reconciliation outcome.
	// outcome: "applied", "duplicate", "rejected" or "error"
	RecordReconciliation(provider, entityType, outcome string)

	// RecordTransition records an applied payment status transition.
	RecordTransition(provider, fromStatus, toStatus string)

	// RecordAmountMismatch records a rejected under/over-payment.
	RecordAmountMismatch(provider, entityType string)

	// RecordDuplicateEvent records a deduplicated replay delivery.
	RecordDuplicateEvent(provider string)

	// RecordReconcileDuration records how long one reconciliation took.
	RecordReconcileDuration(provider string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconciliation(_, _, _ string)                {}
func (n *NoopMetrics) RecordTransition(_, _, _ string)                    {}
func (n *NoopMetrics) RecordAmountMismatch(_, _ string)                   {}
func (n *NoopMetrics) RecordDuplicateEvent(_ string)                      {}
func (n *NoopMetrics) RecordReconcileDuration(_ string, _ time.Duration)  {}
