package webhook

import "time"

// Metrics defines the interface for tracking webhook endpoint operations.
// All methods are optional - adapters gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider.
	// eventType: the provider-specific event name
	// status: "success", "rejected" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long processing a webhook took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "payload_too_large",
	// "processing_error"
	RecordWebhookError(provider, errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
