package webhook

import "net/http"

// Provider is the generic interface that any payment provider adapter must
// implement. This allows the application to mount Stripe and M-Pesa endpoints
// the same way, with zero logic changes when providers come and go.
type Provider interface {
	// Name returns the provider name (e.g. "stripe", "mpesa")
	Name() string

	// WebhookHandler returns the HTTP handler that processes inbound payment
	// events. The implementation handles signature verification, parsing, and
	// reconciliation internally, and answers in the provider's own response
	// contract.
	WebhookHandler() http.Handler
}
