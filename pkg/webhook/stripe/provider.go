package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/payrecon/pkg/recon"
	"github.com/mihaimyh/payrecon/pkg/webhook"
	"github.com/mihaimyh/payrecon/pkg/webhook/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxPayloadBytes          = 256 * 1024

	metadataTypeKey = "type"
	metadataIDKey   = "id"
)

// Config extends webhook.Config with Stripe-specific options
type Config struct {
	webhook.Config // Base config (Engine, WebhookSecret, etc.)

	// StripeAPIKey enables outbound API calls (SyncPaymentIntent). Optional:
	// webhook processing needs only the signing secret.
	StripeAPIKey string
}

// Provider implements the webhook.Provider interface for Stripe
type Provider struct {
	engine        *recon.Engine
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	stripeClient  *stripe.Client
	metrics       webhook.Metrics
	logger        recon.Logger
}

// NewProvider creates a new Stripe webhook provider
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, webhook.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, webhook.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// The API client is only needed for sync; webhook verification is
	// signature-based and works without it
	var stripeClient *stripe.Client
	if apiKey := strings.TrimSpace(config.StripeAPIKey); apiKey != "" {
		stripeClient = stripe.NewClient(apiKey)
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
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   limiter,
		webhookSecret: []byte(webhookSecret),
		stripeClient:  stripeClient,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}
