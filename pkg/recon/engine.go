package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciliation outcome reasons, surfaced on Outcome.Reason so webhook
// adapters can map outcomes onto provider response contracts without string
// matching on descriptions.
const (
	ReasonApplied           = "applied"
	ReasonDuplicateEvent    = "duplicate_event"
	ReasonAlreadyPaid       = "already_paid"
	ReasonEntityNotFound    = "entity_not_found"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonInvalidTransition = "invalid_transition"
	ReasonMissingField      = "missing_field"
	ReasonLostRace          = "lost_race"
)

// ResultCallback is invoked after a transition has been committed. Failures
// and panics are swallowed: side effects (confirmation emails, subscriber
// sync) must never roll back a reconciliation or fail a webhook.
type ResultCallback func(ctx context.Context, event ReconcileEvent) error

// Engine is the reconciliation state machine. Given a resolved entity and a
// normalized payment event it decides the entity's next payment status,
// enforces the amount-match invariant, and performs the single atomic update.
// It exclusively owns payment status transitions during webhook processing.
type Engine struct {
	storage Storage
	config  Config
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewEngine creates a new reconciliation engine with the given storage and
// configuration
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.ConversionRates == nil {
		config.ConversionRates = DefaultConfig().ConversionRates
	}
	if config.AmountTolerance.IsZero() {
		config.AmountTolerance = DefaultConfig().AmountTolerance
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		storage: storage,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     now,
	}, nil
}

// Reconcile applies one normalized payment event to its payable entity.
//
// A nil error means the event reached a terminal outcome (applied, duplicate,
// or rejected) and the provider must not redeliver. A non-nil error means a
// transient storage failure: the caller should answer non-2xx so the provider
// retries; the retry resumes the unfinished event, and replays of completed
// events are no-ops.
func (e *Engine) Reconcile(ctx context.Context, event *PaymentEvent) (*Outcome, error) {
	startTime := e.now()
	defer func() {
		e.metrics.RecordReconcileDuration(string(event.Provider), e.now().Sub(startTime))
	}()

	if err := validateEvent(event); err != nil {
		e.audit(ctx, event, SeverityError, "rejected", ReasonMissingField, err.Error())
		e.metrics.RecordReconciliation(string(event.Provider), string(event.Reference.Type), "rejected")
		return &Outcome{Applied: false, Reason: ReasonMissingField}, nil
	}

	// Idempotency gate: record the delivery before touching the entity. A
	// replay fails the unique insert, but only deliveries that previously ran
	// to completion (ProcessedAt stamped) short-circuit here. An unprocessed
	// record means a prior attempt died between recording and finishing, and
	// the provider's retry must resume reconciliation: the conditional
	// transition keeps that re-entry safe against double-apply.
	rec := &EventRecord{
		Provider:   event.Provider,
		EventID:    event.EventID,
		ReceivedAt: e.now().UTC(),
	}
	if err := e.storage.RecordEvent(ctx, rec); err != nil {
		if err != ErrDuplicateEvent {
			return nil, fmt.Errorf("failed to record event: %w", err)
		}
		prev, recErr := e.storage.GetEventRecord(ctx, event.Provider, event.EventID)
		if recErr != nil {
			return nil, fmt.Errorf("failed to load event record: %w", recErr)
		}
		if prev != nil && prev.ProcessedAt != nil {
			e.logger.Info("duplicate event delivery skipped",
				Field{Key: "provider", Value: event.Provider},
				Field{Key: "event_id", Value: event.EventID})
			e.audit(ctx, event, SeverityInfo, "duplicate", ReasonDuplicateEvent,
				fmt.Sprintf("event %s already processed", event.EventID))
			e.metrics.RecordDuplicateEvent(string(event.Provider))
			e.metrics.RecordReconciliation(string(event.Provider), string(event.Reference.Type), "duplicate")
			return &Outcome{Applied: false, Duplicate: true, Reason: ReasonDuplicateEvent}, nil
		}
		e.logger.Info("resuming unprocessed event delivery",
			Field{Key: "provider", Value: event.Provider},
			Field{Key: "event_id", Value: event.EventID})
	}

	outcome, err := e.reconcileEntity(ctx, event)
	if err != nil {
		return nil, err
	}

	// Best-effort processed stamp; the event record already exists
	if markErr := e.storage.MarkEventProcessed(ctx, event.Provider, event.EventID); markErr != nil {
		e.logger.Warn("failed to mark event processed",
			Field{Key: "event_id", Value: event.EventID},
			Field{Key: "error", Value: markErr.Error()})
	}

	return outcome, nil
}

//nolint:gocyclo // State machine dispatch with one branch per outcome
func (e *Engine) reconcileEntity(ctx context.Context, event *PaymentEvent) (*Outcome, error) {
	entity, err := e.storage.GetEntity(ctx, event.Reference)
	if err != nil {
		if err == ErrEntityNotFound {
			// Unknown references are terminal. Do not guess, do not retry.
			e.audit(ctx, event, SeveritySecurity, "rejected", ReasonEntityNotFound,
				fmt.Sprintf("no %s found for reference %s", event.Reference.Type, event.Reference))
			e.metrics.RecordReconciliation(string(event.Provider), string(event.Reference.Type), "rejected")
			return &Outcome{Applied: false, Reason: ReasonEntityNotFound}, nil
		}
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}

	switch {
	case event.Refund:
		return e.applyRefund(ctx, event, entity)
	case !event.Succeeded:
		return e.applyFailure(ctx, event, entity)
	default:
		return e.applySuccess(ctx, event, entity)
	}
}

// applySuccess handles a settled payment: amount verification then the
// pending -> paid transition.
func (e *Engine) applySuccess(ctx context.Context, event *PaymentEvent, entity *PayableEntity) (*Outcome, error) {
	// Paid entities stay paid. A second success event for the same entity is
	// a replay (provider retry racing a second intent) and must be a no-op.
	if entity.PaymentStatus == PaymentStatusPaid {
		e.audit(ctx, event, SeverityInfo, "skipped", ReasonAlreadyPaid,
			fmt.Sprintf("%s %s already paid (payment %s)", entity.Type, entity.ID, entity.PaymentID))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "duplicate")
		return &Outcome{Applied: false, Duplicate: true, NewStatus: PaymentStatusPaid, Reason: ReasonAlreadyPaid}, nil
	}

	if !CanTransition(entity.PaymentStatus, PaymentStatusPaid) {
		e.audit(ctx, event, SeverityWarning, "rejected", ReasonInvalidTransition,
			fmt.Sprintf("cannot transition %s %s from %s to paid", entity.Type, entity.ID, entity.PaymentStatus))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "rejected")
		return &Outcome{Applied: false, NewStatus: entity.PaymentStatus, Reason: ReasonInvalidTransition}, nil
	}

	// Amount verification. An under-payment must never activate the entity:
	// mark it failed with a descriptive error instead.
	if reason := e.verifyAmount(event, entity); reason != "" {
		applied, err := e.storage.ApplyTransition(ctx, &TransitionRequest{
			Ref:          event.Reference,
			FromStatus:   PaymentStatusPending,
			ToStatus:     PaymentStatusFailed,
			PaymentError: reason,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply mismatch transition: %w", err)
		}
		e.audit(ctx, event, SeveritySecurity, "applied", ReasonAmountMismatch, reason)
		e.metrics.RecordAmountMismatch(string(event.Provider), string(entity.Type))
		if applied {
			e.metrics.RecordTransition(string(event.Provider), string(PaymentStatusPending), string(PaymentStatusFailed))
		}
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "rejected")
		return &Outcome{Applied: applied, NewStatus: PaymentStatusFailed, Reason: ReasonAmountMismatch}, nil
	}

	paymentDate := event.OccurredAt
	if paymentDate.IsZero() {
		paymentDate = e.now().UTC()
	}

	// The single atomic update: payment status, entity status, and payment
	// fields land in one conditional write or not at all.
	applied, err := e.storage.ApplyTransition(ctx, &TransitionRequest{
		Ref:           event.Reference,
		FromStatus:    PaymentStatusPending,
		ToStatus:      PaymentStatusPaid,
		EntityStatus:  ActiveStatusFor(entity.Type),
		PaymentID:     event.TransactionID,
		PaymentMethod: event.Provider,
		PaymentPhone:  event.PayerRef,
		PaymentDate:   &paymentDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply paid transition: %w", err)
	}
	if !applied {
		// A concurrent delivery won the conditional write
		e.audit(ctx, event, SeverityInfo, "skipped", ReasonLostRace,
			fmt.Sprintf("%s %s was transitioned concurrently", entity.Type, entity.ID))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "duplicate")
		return &Outcome{Applied: false, Duplicate: true, NewStatus: PaymentStatusPaid, Reason: ReasonLostRace}, nil
	}

	e.metrics.RecordTransition(string(event.Provider), string(PaymentStatusPending), string(PaymentStatusPaid))
	e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "applied")
	e.audit(ctx, event, SeverityInfo, "applied", ReasonApplied,
		fmt.Sprintf("%s %s paid via %s (%s %s)", entity.Type, entity.ID, event.Provider,
			event.Amount.String(), event.Currency))

	e.fireCallback(ctx, event, entity, PaymentStatusPaid)

	return &Outcome{Applied: true, NewStatus: PaymentStatusPaid, Reason: ReasonApplied}, nil
}

// applyFailure handles a failed payment attempt: pending -> failed. The
// entity-specific status is left untouched so a later successful attempt can
// still activate it through a fresh intent.
func (e *Engine) applyFailure(ctx context.Context, event *PaymentEvent, entity *PayableEntity) (*Outcome, error) {
	if entity.PaymentStatus == PaymentStatusPaid {
		// A late failure notification must not un-pay an entity
		e.audit(ctx, event, SeverityWarning, "rejected", ReasonInvalidTransition,
			fmt.Sprintf("failure event for paid %s %s ignored", entity.Type, entity.ID))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "rejected")
		return &Outcome{Applied: false, NewStatus: PaymentStatusPaid, Reason: ReasonInvalidTransition}, nil
	}

	reason := event.FailureReason
	if reason == "" {
		reason = "payment failed"
	}

	applied, err := e.storage.ApplyTransition(ctx, &TransitionRequest{
		Ref:          event.Reference,
		FromStatus:   PaymentStatusPending,
		ToStatus:     PaymentStatusFailed,
		PaymentError: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply failed transition: %w", err)
	}

	status, outcome := "applied", "applied"
	if !applied {
		status, outcome = "skipped", "duplicate"
	}
	e.audit(ctx, event, SeverityWarning, status, ReasonApplied,
		fmt.Sprintf("%s %s payment failed: %s", entity.Type, entity.ID, reason))
	if applied {
		e.metrics.RecordTransition(string(event.Provider), string(PaymentStatusPending), string(PaymentStatusFailed))
	}
	e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), outcome)

	return &Outcome{Applied: applied, NewStatus: PaymentStatusFailed, Reason: ReasonApplied}, nil
}

// applyRefund handles a provider refund notification: paid -> refunded
func (e *Engine) applyRefund(ctx context.Context, event *PaymentEvent, entity *PayableEntity) (*Outcome, error) {
	if !CanTransition(entity.PaymentStatus, PaymentStatusRefunded) {
		e.audit(ctx, event, SeverityWarning, "rejected", ReasonInvalidTransition,
			fmt.Sprintf("refund event for %s %s in status %s ignored", entity.Type, entity.ID, entity.PaymentStatus))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "rejected")
		return &Outcome{Applied: false, NewStatus: entity.PaymentStatus, Reason: ReasonInvalidTransition}, nil
	}

	applied, err := e.storage.ApplyTransition(ctx, &TransitionRequest{
		Ref:        event.Reference,
		FromStatus: PaymentStatusPaid,
		ToStatus:   PaymentStatusRefunded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply refund transition: %w", err)
	}
	if !applied {
		e.audit(ctx, event, SeverityInfo, "skipped", ReasonLostRace,
			fmt.Sprintf("%s %s refund raced a concurrent transition", entity.Type, entity.ID))
		e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "duplicate")
		return &Outcome{Applied: false, Duplicate: true, NewStatus: entity.PaymentStatus, Reason: ReasonLostRace}, nil
	}

	e.metrics.RecordTransition(string(event.Provider), string(PaymentStatusPaid), string(PaymentStatusRefunded))
	e.metrics.RecordReconciliation(string(event.Provider), string(entity.Type), "applied")
	e.audit(ctx, event, SeverityInfo, "applied", ReasonApplied,
		fmt.Sprintf("%s %s refunded (transaction %s)", entity.Type, entity.ID, event.TransactionID))

	e.fireCallback(ctx, event, entity, PaymentStatusRefunded)

	return &Outcome{Applied: true, NewStatus: PaymentStatusRefunded, Reason: ReasonApplied}, nil
}

// verifyAmount compares the transacted amount against the entity's expected
// amount, converting across currencies with the configured rates. Returns an
// empty string when the amount is acceptable, or a descriptive mismatch
// reason.
func (e *Engine) verifyAmount(event *PaymentEvent, entity *PayableEntity) string {
	expected := entity.ExpectedAmount

	if event.Currency != entity.Currency {
		rate, ok := e.config.ConversionRates[event.Currency+"/"+entity.Currency]
		if !ok {
			return fmt.Sprintf("no conversion rate configured for %s/%s", event.Currency, entity.Currency)
		}
		expected = expected.Mul(rate)
	}

	diff := event.Amount.Sub(expected).Abs()
	if diff.GreaterThan(e.config.AmountTolerance) {
		return fmt.Sprintf("amount mismatch: got %s %s, expected %s %s (tolerance %s)",
			event.Amount.String(), event.Currency, expected.String(), event.Currency,
			e.config.AmountTolerance.String())
	}
	return ""
}

// fireCallback invokes the configured callback after a committed transition.
// Panics and errors are logged and swallowed: downstream notification being
// down must never make a provider believe the webhook failed.
func (e *Engine) fireCallback(ctx context.Context, event *PaymentEvent, entity *PayableEntity, newStatus PaymentStatus) {
	if e.config.Callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("reconcile callback panicked",
				Field{Key: "event_id", Value: event.EventID},
				Field{Key: "panic", Value: fmt.Sprintf("%v", r)})
		}
	}()

	cbEvent := ReconcileEvent{
		Provider:      event.Provider,
		EventID:       event.EventID,
		EventType:     event.EventType,
		Entity:        *entity,
		NewStatus:     newStatus,
		TransactionID: event.TransactionID,
		Amount:        event.Amount,
		Currency:      event.Currency,
		OccurredAt:    event.OccurredAt,
	}
	if err := e.config.Callback(ctx, cbEvent); err != nil {
		e.logger.Warn("reconcile callback failed",
			Field{Key: "event_id", Value: event.EventID},
			Field{Key: "error", Value: err.Error()})
	}
}

// GetEntity retrieves the payable entity an account reference points at
func (e *Engine) GetEntity(ctx context.Context, ref AccountReference) (*PayableEntity, error) {
	return e.storage.GetEntity(ctx, ref)
}

// GetEventRecord retrieves the idempotency record for a provider event
func (e *Engine) GetEventRecord(ctx context.Context, provider Provider, eventID string) (*EventRecord, error) {
	return e.storage.GetEventRecord(ctx, provider, eventID)
}

// audit emits one audit entry. Audit failures are logged and swallowed so
// observability can never fail a reconciliation.
func (e *Engine) audit(ctx context.Context, event *PaymentEvent, severity Severity, status, reason, description string) {
	if e.config.Audit == nil {
		return
	}

	entry := &AuditLogEntry{
		ID:          uuid.NewString(),
		EventType:   event.EventType,
		Description: description,
		Actor:       "system",
		Severity:    severity,
		Status:      status,
		Provider:    event.Provider,
		EntityType:  event.Reference.Type,
		EntityID:    event.Reference.ID,
		Metadata: map[string]string{
			"reason":         reason,
			"event_id":       event.EventID,
			"transaction_id": event.TransactionID,
		},
		Timestamp: e.now().UTC(),
	}
	if err := e.config.Audit.LogAuditEntry(ctx, entry); err != nil {
		e.logger.Error("failed to write audit entry",
			Field{Key: "event_id", Value: event.EventID},
			Field{Key: "error", Value: err.Error()})
	}
}

// validateEvent checks the normalized event carries everything reconciliation
// depends on. Missing fields are a parse-boundary failure: terminal, logged,
// never silently dropped.
func validateEvent(event *PaymentEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: event id", ErrMissingField)
	}
	if !event.Reference.Valid() {
		return fmt.Errorf("%w: account reference", ErrMissingField)
	}
	if event.Succeeded {
		if event.TransactionID == "" {
			return fmt.Errorf("%w: transaction id", ErrMissingField)
		}
		if event.Amount.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("%w: amount", ErrMissingField)
		}
		if event.Currency == "" {
			return fmt.Errorf("%w: currency", ErrMissingField)
		}
	}
	return nil
}
