package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the payment provider an event originated from
type Provider string

const (
	// ProviderStripe identifies events delivered by Stripe webhooks
	ProviderStripe Provider = "stripe"
	// ProviderMpesa identifies events delivered by M-Pesa callbacks
	ProviderMpesa Provider = "mpesa"
)

// EntityType identifies the kind of payable entity a payment settles
type EntityType string

const (
	// EntityTypeMembership is a member registration awaiting payment
	EntityTypeMembership EntityType = "membership"
	// EntityTypeDonation is a one-off donation
	EntityTypeDonation EntityType = "donation"
	// EntityTypeOrder is a product/book order
	EntityTypeOrder EntityType = "order"
)

// PaymentStatus is the payment lifecycle state of a payable entity.
// Valid transitions: pending -> paid, pending -> failed, paid -> refunded.
type PaymentStatus string

const (
	// PaymentStatusPending means no settled payment has been applied yet
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid means a verified payment has been applied
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed means the last payment attempt failed or was rejected
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded means a previously paid payment was refunded
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// validTransitions encodes the payment state machine
var validTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:    {PaymentStatusRefunded},
}

// CanTransition reports whether moving from one payment status to another is allowed
func CanTransition(from, to PaymentStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PayableEntity is any domain record whose lifecycle is gated by payment
// confirmation (membership, donation, order). The reconciliation engine is the
// only writer of PaymentStatus during webhook processing.
type PayableEntity struct {
	ID   string
	Type EntityType

	// ExpectedAmount is the amount the entity was created for, in major units
	// of Currency (e.g. 50 USD)
	ExpectedAmount decimal.Decimal
	Currency       string

	PaymentStatus PaymentStatus

	// Status is the entity-specific lifecycle status set alongside a paid
	// transition: "active" for memberships, "completed" for donations,
	// "confirmed" for orders
	Status string

	PaymentID     string
	PaymentMethod Provider
	PaymentPhone  string
	PaymentError  string
	PaymentDate   *time.Time

	UpdatedAt time.Time
}

// ActiveStatusFor returns the entity-specific status applied on a paid transition
func ActiveStatusFor(t EntityType) string {
	switch t {
	case EntityTypeMembership:
		return "active"
	case EntityTypeDonation:
		return "completed"
	case EntityTypeOrder:
		return "confirmed"
	default:
		return ""
	}
}

// PaymentEvent is the normalized transaction record produced by a provider
// adapter. The engine never sees provider payload shapes, only this.
type PaymentEvent struct {
	Provider Provider

	// EventID is the provider's unique delivery identifier, used as the
	// idempotency key. Required.
	EventID string

	// EventType is the provider-specific event name (e.g.
	// "payment_intent.succeeded", "mpesa.c2b.result")
	EventType string

	// TransactionID is the provider's settled transaction reference
	// (PaymentIntent ID, M-Pesa receipt number)
	TransactionID string

	// Amount is the transacted amount in major units of Currency
	Amount   decimal.Decimal
	Currency string

	// PayerRef identifies the payer (phone number, customer id)
	PayerRef string

	Reference AccountReference

	// Succeeded reports whether the provider settled the payment
	Succeeded bool

	// Refund marks the event as a refund of a previously settled payment
	Refund bool

	// FailureReason carries the provider's failure description when
	// Succeeded is false
	FailureReason string

	OccurredAt time.Time
}

// EventRecord is the persisted idempotency record for a delivered provider
// event. Unique per (Provider, EventID); a second insert must fail.
type EventRecord struct {
	Provider    Provider
	EventID     string
	PayloadHash string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// TransitionRequest asks storage for a single atomic conditional update: apply
// the mutation only if the stored payment status still equals FromStatus.
type TransitionRequest struct {
	Ref        AccountReference
	FromStatus PaymentStatus
	ToStatus   PaymentStatus

	// EntityStatus, when non-empty, is written alongside the payment status
	EntityStatus string

	PaymentID     string
	PaymentMethod Provider
	PaymentPhone  string
	PaymentError  string
	PaymentDate   *time.Time
}

// Outcome describes the result of reconciling one payment event
type Outcome struct {
	// Applied is true when the entity's payment status was mutated
	Applied bool

	// Duplicate is true when the event was a replay of an already processed
	// delivery (no-op success)
	Duplicate bool

	NewStatus PaymentStatus
	Reason    string
}

// Severity classifies audit log entries
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeveritySecurity Severity = "security"
)

// AuditLogEntry records one reconciliation outcome, success or failure.
// Append-only.
type AuditLogEntry struct {
	ID          string
	EventType   string
	Description string

	// Actor is "system" for webhook-driven entries, an admin user id otherwise
	Actor string

	Severity Severity

	// Status is "applied", "skipped", "duplicate" or "rejected"
	Status string

	Provider   Provider
	EntityType EntityType
	EntityID   string

	Metadata  map[string]string
	Timestamp time.Time
}

// AuditLogFilter defines filters for querying audit logs
type AuditLogFilter struct {
	EntityType EntityType
	EntityID   string
	Provider   Provider
	Severity   Severity

	StartTime *time.Time
	EndTime   *time.Time

	// Limit caps the number of results (default: 100)
	Limit int
}

// ReconcileEvent is passed to the ResultCallback after a transition has been
// committed. Callback failures are logged and swallowed; they can never roll
// back the transition.
type ReconcileEvent struct {
	Provider      Provider
	EventID       string
	EventType     string
	Entity        PayableEntity
	NewStatus     PaymentStatus
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	OccurredAt    time.Time
}
