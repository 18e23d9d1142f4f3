package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook"
	"github.com/mihaimyh/payrecon/pkg/webhook/internal"
)

const (
	providerName             = "mpesa"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxPayloadBytes          = 256 * 1024

	signatureHeader = "X-Callback-Signature"
	defaultCurrency = "KES"
)

// Provider implements the webhook.Provider interface for M-Pesa C2B
// confirmation callbacks. M-Pesa makes no outbound API calls here, so the
// shared Config's HTTPClient is accepted but unused.
type Provider struct {
	engine        *recon.Engine
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	acceptHMAC    bool
	metrics       webhook.Metrics
	logger        recon.Logger
}

// NewProvider creates a new M-Pesa webhook provider
func NewProvider(config webhook.Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, webhook.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, webhook.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &webhook.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &recon.NoopLogger{}
	}

	limiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)

	return &Provider{
		engine:        config.Engine,
		rateLimiter:   limiter,
		webhookSecret: []byte(webhookSecret),
		acceptHMAC:    config.EnableHMAC,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for M-Pesa callbacks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// verifyRequest checks the callback signature against the shared secret.
// Primary scheme is a plain shared-secret token; when EnableHMAC is set a
// base64 HMAC-SHA256 of the body is also accepted.
func (p *Provider) verifyRequest(signature string, body []byte) bool {
	if len(p.webhookSecret) == 0 {
		return false
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(signature), p.webhookSecret) == 1 {
		return true
	}

	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.webhookSecret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}
