package mpesa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook"
	"github.com/mihaimyh/payrecon/storage/memory"
)

const (
	testMpesaSecret  = "mpesa_callback_secret"
	testMembershipID = "mem_77"
)

func testEngine(t *testing.T) (*recon.Engine, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	if err := storage.SeedEntity(&recon.PayableEntity{
		ID:             testMembershipID,
		Type:           recon.EntityTypeMembership,
		ExpectedAmount: decimal.NewFromInt(50),
		Currency:       "USD",
		PaymentStatus:  recon.PaymentStatusPending,
		Status:         "pending_payment",
	}); err != nil {
		t.Fatalf("Failed to seed entity: %v", err)
	}

	config := recon.DefaultConfig()
	config.Audit = storage
	engine, err := recon.NewEngine(storage, config)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine, storage
}

func testProvider(t *testing.T, enableHMAC bool) (*Provider, *memory.Storage) {
	t.Helper()
	engine, storage := testEngine(t)
	provider, err := NewProvider(webhook.Config{
		Engine:        engine,
		WebhookSecret: testMpesaSecret,
		EnableHMAC:    enableHMAC,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider, storage
}

func confirmationPayload(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"TransactionType":   "Pay Bill",
		"TransID":           "RKTQDM7W6S",
		"TransTime":         "20260115143045",
		"TransAmount":       5000.00,
		"BusinessShortCode": "600638",
		"BillRefNumber":     "membership_" + testMembershipID,
		"MSISDN":            "254708374149",
		"ResultCode":        0,
		"ResultDesc":        "The service request is processed successfully.",
	}
	for k, v := range overrides {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	return payload
}

func postCallback(provider *Provider, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", strings.NewReader(string(payload)))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)
	return w
}

func decodeAck(t *testing.T, w *httptest.ResponseRecorder) callbackResponse {
	t.Helper()
	var resp callbackResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode ack %q: %v", w.Body.String(), err)
	}
	return resp
}

func getEntity(t *testing.T, storage *memory.Storage) *recon.PayableEntity {
	t.Helper()
	ent, err := storage.GetEntity(context.Background(), recon.AccountReference{
		Type: recon.EntityTypeMembership, ID: testMembershipID,
	})
	if err != nil {
		t.Fatalf("Failed to get entity: %v", err)
	}
	return ent
}

func TestProvider_Name(t *testing.T) {
	provider, _ := testProvider(t, false)
	if provider.Name() != providerName {
		t.Errorf("Expected name %s, got %s", providerName, provider.Name())
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	engine, _ := testEngine(t)

	if _, err := NewProvider(webhook.Config{WebhookSecret: testMpesaSecret}); err == nil {
		t.Error("Expected error for missing engine")
	}
	if _, err := NewProvider(webhook.Config{Engine: engine}); err == nil {
		t.Error("Expected error for missing secret")
	}
}

// The shared config contract stays accepted even though M-Pesa has no
// outbound API calls to spend an HTTP client on.
func TestNewProvider_HTTPClientAccepted(t *testing.T) {
	engine, _ := testEngine(t)

	provider, err := NewProvider(webhook.Config{
		Engine:        engine,
		WebhookSecret: testMpesaSecret,
		HTTPClient:    &http.Client{},
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider.WebhookHandler() == nil {
		t.Error("Expected a usable webhook handler")
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	provider, _ := testProvider(t, false)

	req := httptest.NewRequest(http.MethodGet, "/mpesa/callback", http.NoBody)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	provider, _ := testProvider(t, false)

	w := postCallback(provider, confirmationPayload(t, nil), "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhook_WrongSecret(t *testing.T) {
	provider, _ := testProvider(t, false)

	w := postCallback(provider, confirmationPayload(t, nil), "wrong_secret")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhook_Confirmation(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, nil)
	w := postCallback(provider, payload, testMpesaSecret)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	ack := decodeAck(t, w)
	if ack.ResultCode != 0 || ack.ResultDesc != "Accepted" {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	ent := getEntity(t, storage)
	if ent.PaymentStatus != recon.PaymentStatusPaid {
		t.Errorf("Expected payment status paid, got %s", ent.PaymentStatus)
	}
	if ent.Status != "active" {
		t.Errorf("Expected entity status active, got %s", ent.Status)
	}
	if ent.PaymentID != "RKTQDM7W6S" {
		t.Errorf("Expected payment ID RKTQDM7W6S, got %s", ent.PaymentID)
	}
	if ent.PaymentMethod != recon.ProviderMpesa {
		t.Errorf("Expected payment method mpesa, got %s", ent.PaymentMethod)
	}
	if ent.PaymentPhone != "254708374149" {
		t.Errorf("Expected payer phone recorded, got %s", ent.PaymentPhone)
	}
}

func TestHandleWebhook_HMACSignature(t *testing.T) {
	provider, storage := testProvider(t, true)

	payload := confirmationPayload(t, nil)
	mac := hmac.New(sha256.New, []byte(testMpesaSecret))
	mac.Write(payload)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	w := postCallback(provider, payload, sig)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ent := getEntity(t, storage); ent.PaymentStatus != recon.PaymentStatusPaid {
		t.Errorf("Expected payment status paid, got %s", ent.PaymentStatus)
	}
}

func TestHandleWebhook_HMACRejectedWhenDisabled(t *testing.T) {
	provider, _ := testProvider(t, false)

	payload := confirmationPayload(t, nil)
	mac := hmac.New(sha256.New, []byte(testMpesaSecret))
	mac.Write(payload)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if w := postCallback(provider, payload, sig); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhook_StringAmount(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, map[string]any{"TransAmount": "5000.00"})
	if w := postCallback(provider, payload, testMpesaSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ent := getEntity(t, storage); ent.PaymentStatus != recon.PaymentStatusPaid {
		t.Errorf("Expected payment status paid, got %s", ent.PaymentStatus)
	}
}

func TestHandleWebhook_FailedResultCode(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, map[string]any{
		"ResultCode": 1032,
		"ResultDesc": "Request cancelled by user",
	})
	w := postCallback(provider, payload, testMpesaSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	ent := getEntity(t, storage)
	if ent.PaymentStatus != recon.PaymentStatusFailed {
		t.Errorf("Expected payment status failed, got %s", ent.PaymentStatus)
	}
	if ent.PaymentError != "Request cancelled by user" {
		t.Errorf("Expected failure reason recorded, got %q", ent.PaymentError)
	}
}

func TestHandleWebhook_Reversal(t *testing.T) {
	provider, storage := testProvider(t, false)

	// Pay first
	if w := postCallback(provider, confirmationPayload(t, nil), testMpesaSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for payment, got %d", w.Code)
	}

	reversal := confirmationPayload(t, map[string]any{
		"TransactionType": "Reversal",
		"TransID":         "RKTREV0001",
	})
	if w := postCallback(provider, reversal, testMpesaSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for reversal, got %d", w.Code)
	}

	if ent := getEntity(t, storage); ent.PaymentStatus != recon.PaymentStatusRefunded {
		t.Errorf("Expected payment status refunded, got %s", ent.PaymentStatus)
	}
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, nil)
	for i := 0; i < 2; i++ {
		w := postCallback(provider, payload, testMpesaSecret)
		if w.Code != http.StatusOK {
			t.Fatalf("Delivery %d: expected status 200, got %d", i+1, w.Code)
		}
		if ack := decodeAck(t, w); ack.ResultCode != 0 {
			t.Errorf("Delivery %d: expected ResultCode 0, got %d", i+1, ack.ResultCode)
		}
	}

	if ent := getEntity(t, storage); ent.PaymentStatus != recon.PaymentStatusPaid {
		t.Errorf("Expected payment status paid, got %s", ent.PaymentStatus)
	}
}

func TestHandleWebhook_UnparseableBillRef(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, map[string]any{"BillRefNumber": "garbage"})
	w := postCallback(provider, payload, testMpesaSecret)

	// Terminal rejection is acknowledged so the gateway stops retrying
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ack := decodeAck(t, w); ack.ResultCode != 0 {
		t.Errorf("Expected ResultCode 0, got %d", ack.ResultCode)
	}

	if ent := getEntity(t, storage); ent.PaymentStatus != recon.PaymentStatusPending {
		t.Errorf("Expected entity untouched, got %s", ent.PaymentStatus)
	}

	// The rejection must leave an audit trace
	entries, err := storage.GetAuditLogs(context.Background(), recon.AuditLogFilter{})
	if err != nil {
		t.Fatalf("Failed to get audit logs: %v", err)
	}
	if len(entries) == 0 {
		t.Error("Expected an audit entry for the rejected callback")
	}
}

func TestHandleWebhook_AmountMismatch(t *testing.T) {
	provider, storage := testProvider(t, false)

	payload := confirmationPayload(t, map[string]any{"TransAmount": 3000.00})
	if w := postCallback(provider, payload, testMpesaSecret); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	ent := getEntity(t, storage)
	if ent.PaymentStatus != recon.PaymentStatusFailed {
		t.Errorf("Expected payment status failed, got %s", ent.PaymentStatus)
	}
	if ent.PaymentError == "" {
		t.Error("Expected mismatch reason recorded")
	}
}

func TestParseTransTime(t *testing.T) {
	got := parseTransTime("20260115143045")
	if got.Year() != 2026 || got.Month() != 1 || got.Day() != 15 {
		t.Errorf("Unexpected date: %v", got)
	}
	// 14:30:45 EAT is 11:30:45 UTC
	if got.Hour() != 11 || got.Minute() != 30 || got.Second() != 45 {
		t.Errorf("Unexpected time: %v", got)
	}

	if parseTransTime("not-a-time").IsZero() {
		t.Error("Expected fallback to current time")
	}
	if parseTransTime("").IsZero() {
		t.Error("Expected fallback to current time")
	}
}
