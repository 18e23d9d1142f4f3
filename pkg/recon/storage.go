package recon

import (
	"context"
)

// Storage defines the interface for reconciliation persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetEntity retrieves the payable entity an account reference points at.
	// Returns ErrEntityNotFound if no entity exists: a terminal condition,
	// never retried.
	GetEntity(ctx context.Context, ref AccountReference) (*PayableEntity, error)

	// ApplyTransition performs the single atomic conditional update for a
	// payment status transition: the mutation is applied only when the stored
	// payment status still equals req.FromStatus. Returns (true, nil) when
	// applied, (false, nil) when the condition no longer held (lost race or
	// replay), and a non-nil error only for storage failures.
	ApplyTransition(ctx context.Context, req *TransitionRequest) (bool, error)

	// RecordEvent inserts the idempotency record for a delivered provider
	// event. Must be a unique insert on (provider, event id) and fail with
	// ErrDuplicateEvent on replay.
	RecordEvent(ctx context.Context, rec *EventRecord) error

	// GetEventRecord retrieves an event record.
	// Returns nil, nil if no record exists (not an error).
	GetEventRecord(ctx context.Context, provider Provider, eventID string) (*EventRecord, error)

	// MarkEventProcessed stamps ProcessedAt on an existing event record once
	// reconciliation has run to completion.
	MarkEventProcessed(ctx context.Context, provider Provider, eventID string) error
}

// AuditLogger defines the interface for the append-only audit trail.
// Storage implementations in this repository all provide it, but the engine
// treats it as optional and best-effort: a failing audit write is logged and
// swallowed, never propagated.
type AuditLogger interface {
	// LogAuditEntry appends one audit entry
	LogAuditEntry(ctx context.Context, entry *AuditLogEntry) error

	// GetAuditLogs retrieves audit entries matching the filter, newest first
	GetAuditLogs(ctx context.Context, filter AuditLogFilter) ([]*AuditLogEntry, error)
}
