package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook/internal"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, maxPayloadBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	// Extract signature from header
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Verify webhook signature before trusting a single byte of the payload
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		p.logger.Warn("stripe signature verification failed",
			recon.Field{Key: "remote_addr", Value: internal.GetClientIP(r)},
			recon.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	outcome, err := p.processWebhookEvent(r.Context(), &event)
	if err != nil {
		// Transient failure: non-2xx makes Stripe redeliver, which the
		// engine's event-record gate makes safe
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	status := "success"
	if outcome != nil && !outcome.Applied && !outcome.Duplicate {
		status = "rejected"
	}

	// Terminal outcomes answer 200 so Stripe stops redelivering
	if writeErr := internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true}); writeErr != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent normalizes a verified Stripe event and feeds it to the
// reconciliation engine. A nil outcome with nil error means the event type is
// not payment-bearing and was ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (*recon.Outcome, error) {
	switch event.Type {
	case "payment_intent.succeeded":
		return p.handlePaymentIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		return p.handlePaymentIntentFailed(ctx, event)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, event)
	default:
		// Subscription lifecycle and other event types - ignore silently
		return nil, nil
	}
}

// handlePaymentIntentSucceeded processes payment_intent.succeeded events
func (p *Provider) handlePaymentIntentSucceeded(ctx context.Context, event *stripe.Event) (*recon.Outcome, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	ref := referenceFromMetadata(intent.Metadata)
	currency := strings.ToUpper(string(intent.Currency))

	return p.engine.Reconcile(ctx, &recon.PaymentEvent{
		Provider:      recon.ProviderStripe,
		EventID:       event.ID,
		EventType:     string(event.Type),
		TransactionID: intent.ID,
		Amount:        amountFromMinorUnits(intent.Amount, currency),
		Currency:      currency,
		Reference:     ref,
		Succeeded:     true,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	})
}

// handlePaymentIntentFailed processes payment_intent.payment_failed events
func (p *Provider) handlePaymentIntentFailed(ctx context.Context, event *stripe.Event) (*recon.Outcome, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	failureReason := "payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		failureReason = intent.LastPaymentError.Msg
	}

	return p.engine.Reconcile(ctx, &recon.PaymentEvent{
		Provider:      recon.ProviderStripe,
		EventID:       event.ID,
		EventType:     string(event.Type),
		TransactionID: intent.ID,
		Reference:     referenceFromMetadata(intent.Metadata),
		Succeeded:     false,
		FailureReason: failureReason,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	})
}

// handleChargeRefunded processes charge.refunded events
func (p *Provider) handleChargeRefunded(ctx context.Context, event *stripe.Event) (*recon.Outcome, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}

	transactionID := charge.ID
	if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
		transactionID = charge.PaymentIntent.ID
	}
	currency := strings.ToUpper(string(charge.Currency))

	return p.engine.Reconcile(ctx, &recon.PaymentEvent{
		Provider:      recon.ProviderStripe,
		EventID:       event.ID,
		EventType:     string(event.Type),
		TransactionID: transactionID,
		Amount:        amountFromMinorUnits(charge.AmountRefunded, currency),
		Currency:      currency,
		Reference:     referenceFromMetadata(charge.Metadata),
		Refund:        true,
		OccurredAt:    time.Unix(event.Created, 0).UTC(),
	})
}

// referenceFromMetadata reads the account reference out of the structured
// metadata stamped at checkout/intent creation. The keys are a contract with
// the checkout collaborator: "type" plus either "id" or "<type>Id".
func referenceFromMetadata(metadata map[string]string) recon.AccountReference {
	if metadata == nil {
		return recon.AccountReference{}
	}

	entityType := strings.TrimSpace(metadata[metadataTypeKey])
	if entityType == "" {
		return recon.AccountReference{}
	}

	id := strings.TrimSpace(metadata[metadataIDKey])
	if id == "" {
		// Older checkouts stamp "membershipId"/"donationId"/"orderId"
		id = strings.TrimSpace(metadata[entityType+"Id"])
	}

	return recon.AccountReference{Type: recon.EntityType(entityType), ID: id}
}

// zeroDecimalCurrencies are the Stripe currencies expressed in whole units
// rather than minor units
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

// amountFromMinorUnits converts a Stripe integer amount into major units
func amountFromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[currency] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
