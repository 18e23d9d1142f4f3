package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook/internal"
)

// transTimeLayout is the provider's yyyymmddHHMMSS transaction timestamp
const transTimeLayout = "20060102150405"

// eastAfricaTime is the zone M-Pesa stamps TransTime in
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// callbackPayload is the C2B confirmation body. TransAmount arrives as a JSON
// number or a quoted string depending on the upstream gateway, hence
// json.Number.
type callbackPayload struct {
	TransactionType   string      `json:"TransactionType"`
	TransID           string      `json:"TransID"`
	TransTime         string      `json:"TransTime"`
	TransAmount       json.Number `json:"TransAmount"`
	BusinessShortCode string      `json:"BusinessShortCode"`
	BillRefNumber     string      `json:"BillRefNumber"`
	MSISDN            string      `json:"MSISDN"`
	FirstName         string      `json:"FirstName"`
	LastName          string      `json:"LastName"`
	ResultCode        int         `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
}

// callbackResponse is the acknowledgment body the gateway expects back
type callbackResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// handleWebhook processes incoming M-Pesa confirmation callbacks
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

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		sig = r.Header.Get(strings.ToLower(signatureHeader))
	}
	if !p.verifyRequest(sig, body) {
		p.logger.Warn("mpesa callback signature verification failed",
			recon.Field{Key: "remote_addr", Value: internal.GetClientIP(r)})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := strings.TrimSpace(payload.TransactionType)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Malformed fields degrade to zero values here; the engine rejects and
	// audits them, so an authenticated but broken callback is never dropped
	// silently
	event := p.buildPaymentEvent(&payload)

	outcome, err := p.engine.Reconcile(r.Context(), event)
	if err != nil {
		// Transient failure: non-2xx plus ResultCode 1 makes the gateway
		// redeliver, which the engine's event-record gate makes safe
		p.writeAck(w, http.StatusInternalServerError, 1, "Processing failed, retry")
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	status := "success"
	if !outcome.Applied && !outcome.Duplicate {
		status = "rejected"
	}

	p.writeAck(w, http.StatusOK, 0, "Accepted")
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) writeAck(w http.ResponseWriter, httpStatus, resultCode int, desc string) {
	_ = internal.WriteJSON(w, httpStatus, callbackResponse{
		ResultCode: resultCode,
		ResultDesc: desc,
	})
}

// buildPaymentEvent normalizes a confirmation callback into a PaymentEvent.
// The reference token travels in BillRefNumber ("membership_<id>"). An
// unparseable reference or amount is left zero; engine validation turns it
// into an audited rejection.
func (p *Provider) buildPaymentEvent(payload *callbackPayload) *recon.PaymentEvent {
	transID := strings.TrimSpace(payload.TransID)

	ref, err := recon.ParseAccountReference(payload.BillRefNumber)
	if err != nil {
		p.logger.Warn("mpesa bill reference unparseable",
			recon.Field{Key: "trans_id", Value: transID},
			recon.Field{Key: "bill_ref", Value: payload.BillRefNumber})
	}

	event := &recon.PaymentEvent{
		Provider:      recon.ProviderMpesa,
		EventID:       transID,
		EventType:     strings.TrimSpace(payload.TransactionType),
		TransactionID: transID,
		Currency:      defaultCurrency,
		PayerRef:      strings.TrimSpace(payload.MSISDN),
		Reference:     ref,
		OccurredAt:    parseTransTime(payload.TransTime),
	}

	if strings.EqualFold(payload.TransactionType, "Reversal") {
		event.Refund = true
	}

	if payload.ResultCode != 0 {
		event.FailureReason = strings.TrimSpace(payload.ResultDesc)
		if event.FailureReason == "" {
			event.FailureReason = fmt.Sprintf("result code %d", payload.ResultCode)
		}
		return event
	}

	if !event.Refund {
		event.Succeeded = true
	}
	event.Amount = parseAmount(payload.TransAmount)

	return event
}

func parseAmount(raw json.Number) decimal.Decimal {
	s := strings.TrimSpace(raw.String())
	if s == "" {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// parseTransTime parses the provider timestamp, falling back to now when the
// field is absent or malformed
func parseTransTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if t, err := time.ParseInLocation(transTimeLayout, raw, eastAfricaTime); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
