package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	require.NotNil(t, metrics)
}

func TestRecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "payment_intent.succeeded", "applied")
	metrics.RecordWebhookEvent("stripe", "payment_intent.succeeded", "applied")
	metrics.RecordWebhookEvent("mpesa", "confirmation", "duplicate_event")

	families, err := reg.Gather()
	require.NoError(t, err)

	found := findFamily(families, "test_webhook_events_total")
	require.NotNil(t, found, "events counter should be registered")
	assert.Len(t, found.GetMetric(), 2)

	for _, m := range found.GetMetric() {
		if labelValue(m, "provider") == "stripe" {
			assert.Equal(t, float64(2), m.GetCounter().GetValue())
		}
	}
}

func TestRecordWebhookProcessingDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("mpesa", "confirmation", 40*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := findFamily(families, "test_webhook_processing_duration_seconds")
	require.NotNil(t, found, "processing duration histogram should be registered")
	assert.Equal(t, uint64(1), found.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestRecordWebhookError(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordWebhookError("stripe", "payload_too_large")

	families, err := reg.Gather()
	require.NoError(t, err)

	found := findFamily(families, "test_webhook_errors_total")
	require.NotNil(t, found, "errors counter should be registered")
	assert.Len(t, found.GetMetric(), 2)
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
