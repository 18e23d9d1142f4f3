package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook"
)

// SyncPaymentIntent fetches a payment intent directly from the Stripe API and
// runs it through the reconciliation engine. Covers the missed-webhook case:
// an operator (or a scheduled job) can replay an intent by ID without waiting
// for Stripe to redeliver. Requires StripeAPIKey to be configured.
//
// The synthetic event ID "sync_pi_<id>" keeps API-driven reconciliation
// idempotent alongside webhook deliveries of the same intent.
func (p *Provider) SyncPaymentIntent(ctx context.Context, paymentIntentID string) (*recon.Outcome, error) {
	if p.stripeClient == nil {
		return nil, fmt.Errorf("stripe API key not configured: %w", webhook.ErrProviderNotConfigured)
	}
	if strings.TrimSpace(paymentIntentID) == "" {
		return nil, fmt.Errorf("payment intent ID is required")
	}

	intent, err := p.stripeClient.V1PaymentIntents.Retrieve(ctx, paymentIntentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve payment intent %s: %w", paymentIntentID, err)
	}

	currency := strings.ToUpper(string(intent.Currency))
	event := &recon.PaymentEvent{
		Provider:      recon.ProviderStripe,
		EventID:       "sync_pi_" + intent.ID,
		EventType:     "sync.payment_intent",
		TransactionID: intent.ID,
		Amount:        amountFromMinorUnits(intent.Amount, currency),
		Currency:      currency,
		Reference:     referenceFromMetadata(intent.Metadata),
		OccurredAt:    time.Unix(intent.Created, 0).UTC(),
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		event.Succeeded = true
	case stripe.PaymentIntentStatusCanceled:
		event.FailureReason = "payment intent canceled"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			event.FailureReason = intent.LastPaymentError.Msg
		}
	default:
		// Still in flight (requires_payment_method, processing, ...) -
		// nothing to reconcile yet
		p.logger.Info("payment intent not in a terminal state, skipping",
			recon.Field{Key: "payment_intent_id", Value: intent.ID},
			recon.Field{Key: "status", Value: string(intent.Status)})
		return nil, nil
	}

	return p.engine.Reconcile(ctx, event)
}
