package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// EntityResponse represents the payment standing of a payable entity
type EntityResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	PaymentID      string          `json:"payment_id,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	PaymentPhone   string          `json:"payment_phone,omitempty"`
	PaymentError   string          `json:"payment_error,omitempty"`
	PaymentDate    *time.Time      `json:"payment_date,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventRecordResponse answers "was this provider event processed?"
type EventRecordResponse struct {
	Provider    string     `json:"provider"`
	EventID     string     `json:"event_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Processed   bool       `json:"processed"`
}

// AuditTrailResponse wraps a page of audit entries
type AuditTrailResponse struct {
	Entries []*recon.AuditLogEntry `json:"entries"`
	Count   int                    `json:"count"`
}
