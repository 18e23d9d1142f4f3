package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook"
	"github.com/mihaimyh/payrecon/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testMembershipID        = "mem_42"
)

// testEngine creates an engine over in-memory storage with a seeded entity
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

func testProvider(t *testing.T) (*Provider, *memory.Storage) {
	t.Helper()
	engine, storage := testEngine(t)
	provider, err := NewProvider(Config{
		Config: webhook.Config{
			Engine:        engine,
			WebhookSecret: testStripeWebhookSecret,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider, storage
}

// signPayload produces a Stripe-Signature header value for the given payload
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestProvider_Name(t *testing.T) {
	provider, _ := testProvider(t)
	if provider.Name() != providerName {
		t.Errorf("Expected name %s, got %s", providerName, provider.Name())
	}
}

func TestProvider_WebhookHandler(t *testing.T) {
	provider, _ := testProvider(t)
	if provider.WebhookHandler() == nil {
		t.Error("Expected webhook handler, got nil")
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	engine, _ := testEngine(t)

	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "missing engine",
			config: Config{Config: webhook.Config{WebhookSecret: testStripeWebhookSecret}},
		},
		{
			name:   "missing webhook secret",
			config: Config{Config: webhook.Config{Engine: engine}},
		},
		{
			name:   "whitespace webhook secret",
			config: Config{Config: webhook.Config{Engine: engine, WebhookSecret: "   "}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.config); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestNewProvider_APIKeyOptional(t *testing.T) {
	provider, _ := testProvider(t)
	if provider.stripeClient != nil {
		t.Error("Expected nil stripe client without API key")
	}

	engine, _ := testEngine(t)
	provider, err := NewProvider(Config{
		Config:       webhook.Config{Engine: engine, WebhookSecret: testStripeWebhookSecret},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	if provider.stripeClient == nil {
		t.Error("Expected stripe client when API key is configured")
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	provider, _ := testProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestHandleWebhook_EmptyBody(t *testing.T) {
	provider, _ := testProvider(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	provider, _ := testProvider(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"id":"evt_1"}`))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	provider, _ := testProvider(t)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_wrong_secret", time.Now()))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhook_SecurityHeaders(t *testing.T) {
	provider, _ := testProvider(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Expected no-store Cache-Control, got %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff, got %q", got)
	}
}
