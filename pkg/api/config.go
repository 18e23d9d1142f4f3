package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Config holds configuration for the inspection API handler
type Config struct {
	// Storage is the reconciliation storage backend (required)
	Storage recon.Storage

	// Audit is the audit log reader; required for GetAuditTrail
	Audit recon.AuditLogger

	// GetActor extracts the acting admin/operator identity from the request.
	// Authentication itself is the caller's concern; a non-empty actor is
	// required before any endpoint answers.
	GetActor func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional
	Logger recon.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Storage == nil {
		return fmt.Errorf("storage is required")
	}
	if c.GetActor == nil {
		return fmt.Errorf("getActor is required")
	}
	return nil
}

// NewHandler creates a new inspection API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &recon.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common actor extraction patterns

// FromHeader returns a GetActor function that reads the identity from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetActor function that reads the identity from the
// request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if actor, ok := r.Context().Value(key).(string); ok {
			return actor
		}
		return ""
	}
}
