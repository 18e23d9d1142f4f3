// Package notify delivers post-reconciliation side effects: confirmation
// emails and newsletter subscriptions. Everything here is fire-and-forget; a
// notification failure is logged and swallowed, never surfaced back into the
// reconciliation path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 10 * time.Second

// ErrNotConfigured is returned when a notifier endpoint is missing
var ErrNotConfigured = errors.New("notify: endpoint not configured")

// Email is an outbound transactional email
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Subscriber is a newsletter subscription request
type Subscriber struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Notifier sends side-effect notifications
type Notifier interface {
	SendEmail(ctx context.Context, email Email) error
	AddSubscriber(ctx context.Context, sub Subscriber) error
}

// HTTPNotifier posts notifications as JSON to configured endpoints (an email
// relay and a list-management service)
type HTTPNotifier struct {
	emailEndpoint      string
	subscriberEndpoint string
	apiKey             string
	httpClient         *http.Client
}

// HTTPConfig configures an HTTPNotifier
type HTTPConfig struct {
	// EmailEndpoint receives Email payloads via POST
	EmailEndpoint string

	// SubscriberEndpoint receives Subscriber payloads via POST
	SubscriberEndpoint string

	// APIKey, when set, is sent as a bearer token
	APIKey string

	// HTTPClient is optional; defaults to a 10s-timeout client
	HTTPClient *http.Client
}

// NewHTTPNotifier creates an HTTP-backed notifier
func NewHTTPNotifier(config HTTPConfig) *HTTPNotifier {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}
	return &HTTPNotifier{
		emailEndpoint:      strings.TrimSpace(config.EmailEndpoint),
		subscriberEndpoint: strings.TrimSpace(config.SubscriberEndpoint),
		apiKey:             strings.TrimSpace(config.APIKey),
		httpClient:         httpClient,
	}
}

// SendEmail posts the email to the configured relay endpoint
func (n *HTTPNotifier) SendEmail(ctx context.Context, email Email) error {
	if n.emailEndpoint == "" {
		return fmt.Errorf("email: %w", ErrNotConfigured)
	}
	return n.post(ctx, n.emailEndpoint, email)
}

// AddSubscriber posts the subscription to the configured list endpoint
func (n *HTTPNotifier) AddSubscriber(ctx context.Context, sub Subscriber) error {
	if n.subscriberEndpoint == "" {
		return fmt.Errorf("subscriber: %w", ErrNotConfigured)
	}
	return n.post(ctx, n.subscriberEndpoint, sub)
}

func (n *HTTPNotifier) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint %s answered %d", endpoint, resp.StatusCode)
	}
	return nil
}
