package webhook

import (
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Config defines the standard configuration all provider adapters accept
type Config struct {
	// Engine is the reconciliation engine that payment events are applied to
	Engine *recon.Engine

	// WebhookSecret is used to verify inbound webhook requests (the Stripe
	// signing secret, or the M-Pesa shared callback secret)
	WebhookSecret string

	// HTTPClient is an optional HTTP client for outbound provider API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation.
	HTTPClient *http.Client

	// EnableHMAC enforces HMAC-SHA256 signature verification for providers
	// that support it alongside plain shared-secret comparison.
	// Defaults to false.
	EnableHMAC bool

	// Metrics is an optional metrics collector for webhook operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use webhook/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger shared with the engine
	Logger recon.Logger
}
