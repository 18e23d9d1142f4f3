package webhook

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider adapter is missing
	// required configuration
	ErrProviderNotConfigured = errors.New("webhook provider not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")
)
