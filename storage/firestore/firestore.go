// Package firestore provides a Firestore implementation of the recon.Storage
// and recon.AuditLogger interfaces. Conditional transitions run inside
// RunTransaction; event dedup uses document Create, which fails with
// AlreadyExists on replayed deliveries.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Storage implements recon.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	entitiesCollection string
	eventsCollection   string
	auditCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// EntitiesCollection is the Firestore collection for payable entities
	// Default: "payrecon_entities"
	EntitiesCollection string

	// EventsCollection is the Firestore collection for event dedup records
	// Default: "payrecon_events"
	EventsCollection string

	// AuditCollection is the Firestore collection for the audit log
	// Default: "payrecon_audit"
	AuditCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EntitiesCollection == "" {
		config.EntitiesCollection = "payrecon_entities"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "payrecon_events"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "payrecon_audit"
	}

	return &Storage{
		client:             client,
		entitiesCollection: config.EntitiesCollection,
		eventsCollection:   config.EventsCollection,
		auditCollection:    config.AuditCollection,
	}, nil
}

// GetEntity implements recon.Storage
func (s *Storage) GetEntity(ctx context.Context, ref recon.AccountReference) (*recon.PayableEntity, error) {
	snap, err := s.entityDoc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, recon.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if !snap.Exists() {
		return nil, recon.ErrEntityNotFound
	}

	return entityFromData(snap.Data())
}

// SeedEntity writes an entity unconditionally. Intended for the application's
// creation path, not the reconciliation flow.
func (s *Storage) SeedEntity(ctx context.Context, ent *recon.PayableEntity) error {
	if ent == nil || ent.ID == "" {
		return fmt.Errorf("invalid entity")
	}

	ref := recon.AccountReference{Type: ent.Type, ID: ent.ID}
	if _, err := s.entityDoc(ref).Set(ctx, entityToData(ent)); err != nil {
		return fmt.Errorf("failed to seed entity: %w", err)
	}
	return nil
}

// ApplyTransition implements recon.Storage. The transaction re-reads the
// payment status, so concurrent deliveries resolve to a single winner.
func (s *Storage) ApplyTransition(ctx context.Context, req *recon.TransitionRequest) (bool, error) {
	if req == nil || !req.Ref.Valid() {
		return false, fmt.Errorf("invalid transition request")
	}

	doc := s.entityDoc(req.Ref)
	applied := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return recon.ErrEntityNotFound
			}
			return err
		}

		if getString(snap.Data(), "paymentStatus") != string(req.FromStatus) {
			// Lost the race or replayed after a transition
			return nil
		}

		updates := []firestore.Update{
			{Path: "paymentStatus", Value: string(req.ToStatus)},
			{Path: "updatedAt", Value: time.Now().UTC()},
		}
		if req.EntityStatus != "" {
			updates = append(updates, firestore.Update{Path: "status", Value: req.EntityStatus})
		}
		if req.PaymentID != "" {
			updates = append(updates, firestore.Update{Path: "paymentId", Value: req.PaymentID})
		}
		if req.PaymentMethod != "" {
			updates = append(updates, firestore.Update{Path: "paymentMethod", Value: string(req.PaymentMethod)})
		}
		if req.PaymentPhone != "" {
			updates = append(updates, firestore.Update{Path: "paymentPhone", Value: req.PaymentPhone})
		}
		if req.PaymentError != "" {
			updates = append(updates, firestore.Update{Path: "paymentError", Value: req.PaymentError})
		}
		if req.PaymentDate != nil {
			updates = append(updates, firestore.Update{Path: "paymentDate", Value: req.PaymentDate.UTC()})
		}

		if err := tx.Update(doc, updates); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if err == recon.ErrEntityNotFound {
			return false, err
		}
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}

	return applied, nil
}

// RecordEvent implements recon.Storage. Create fails with AlreadyExists when
// the delivery was seen before.
func (s *Storage) RecordEvent(ctx context.Context, rec *recon.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event record")
	}

	data := map[string]interface{}{
		"provider":    string(rec.Provider),
		"eventId":     rec.EventID,
		"payloadHash": rec.PayloadHash,
		"receivedAt":  rec.ReceivedAt,
	}

	_, err := s.eventDoc(rec.Provider, rec.EventID).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return recon.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEventRecord implements recon.Storage; returns (nil, nil) when absent
func (s *Storage) GetEventRecord(ctx context.Context, provider recon.Provider, eventID string) (*recon.EventRecord, error) {
	snap, err := s.eventDoc(provider, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}

	data := snap.Data()
	rec := &recon.EventRecord{
		Provider:    recon.Provider(getString(data, "provider")),
		EventID:     getString(data, "eventId"),
		PayloadHash: getString(data, "payloadHash"),
		ReceivedAt:  getTime(data, "receivedAt"),
	}
	if processedAt, ok := data["processedAt"].(time.Time); ok && !processedAt.IsZero() {
		rec.ProcessedAt = &processedAt
	}
	return rec, nil
}

// MarkEventProcessed implements recon.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, provider recon.Provider, eventID string) error {
	_, err := s.eventDoc(provider, eventID).Update(ctx, []firestore.Update{
		{Path: "processedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return recon.ErrEntityNotFound
		}
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// LogAuditEntry implements recon.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *recon.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	data := map[string]interface{}{
		"eventType":   entry.EventType,
		"description": entry.Description,
		"actor":       entry.Actor,
		"severity":    string(entry.Severity),
		"status":      entry.Status,
		"provider":    string(entry.Provider),
		"entityType":  string(entry.EntityType),
		"entityId":    entry.EntityID,
		"timestamp":   entry.Timestamp,
	}
	if len(entry.Metadata) > 0 {
		data["metadata"] = entry.Metadata
	}

	if _, err := s.client.Collection(s.auditCollection).Doc(entry.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements recon.AuditLogger, newest first. Firestore requires
// composite indexes for multi-field queries; equality filters stack onto the
// timestamp ordering.
func (s *Storage) GetAuditLogs(ctx context.Context, filter recon.AuditLogFilter) ([]*recon.AuditLogEntry, error) {
	query := s.client.Collection(s.auditCollection).Query

	if filter.EntityType != "" {
		query = query.Where("entityType", "==", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		query = query.Where("entityId", "==", filter.EntityID)
	}
	if filter.Provider != "" {
		query = query.Where("provider", "==", string(filter.Provider))
	}
	if filter.Severity != "" {
		query = query.Where("severity", "==", string(filter.Severity))
	}
	if filter.StartTime != nil {
		query = query.Where("timestamp", ">=", *filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("timestamp", "<=", *filter.EndTime)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query = query.OrderBy("timestamp", firestore.Desc).Limit(limit)

	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	entries := make([]*recon.AuditLogEntry, 0, len(snaps))
	for _, snap := range snaps {
		data := snap.Data()
		entry := &recon.AuditLogEntry{
			ID:          snap.Ref.ID,
			EventType:   getString(data, "eventType"),
			Description: getString(data, "description"),
			Actor:       getString(data, "actor"),
			Severity:    recon.Severity(getString(data, "severity")),
			Status:      getString(data, "status"),
			Provider:    recon.Provider(getString(data, "provider")),
			EntityType:  recon.EntityType(getString(data, "entityType")),
			EntityID:    getString(data, "entityId"),
			Timestamp:   getTime(data, "timestamp"),
		}
		if raw, ok := data["metadata"].(map[string]interface{}); ok {
			entry.Metadata = make(map[string]string, len(raw))
			for k, v := range raw {
				if str, ok := v.(string); ok {
					entry.Metadata[k] = str
				}
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Close closes the underlying Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) entityDoc(ref recon.AccountReference) *firestore.DocumentRef {
	return s.client.Collection(s.entitiesCollection).Doc(fmt.Sprintf("%s_%s", ref.Type, ref.ID))
}

func (s *Storage) eventDoc(provider recon.Provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(fmt.Sprintf("%s_%s", provider, eventID))
}

func entityToData(ent *recon.PayableEntity) map[string]interface{} {
	data := map[string]interface{}{
		"id":             ent.ID,
		"type":           string(ent.Type),
		"expectedAmount": ent.ExpectedAmount.String(),
		"currency":       ent.Currency,
		"paymentStatus":  string(ent.PaymentStatus),
		"status":         ent.Status,
		"paymentId":      ent.PaymentID,
		"paymentMethod":  string(ent.PaymentMethod),
		"paymentPhone":   ent.PaymentPhone,
		"paymentError":   ent.PaymentError,
		"updatedAt":      ent.UpdatedAt.UTC(),
	}
	if ent.PaymentDate != nil {
		data["paymentDate"] = ent.PaymentDate.UTC()
	}
	return data
}

func entityFromData(data map[string]interface{}) (*recon.PayableEntity, error) {
	amountStr := getString(data, "expectedAmount")
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount %q: %w", amountStr, err)
	}

	ent := &recon.PayableEntity{
		ID:             getString(data, "id"),
		Type:           recon.EntityType(getString(data, "type")),
		ExpectedAmount: amount,
		Currency:       getString(data, "currency"),
		PaymentStatus:  recon.PaymentStatus(getString(data, "paymentStatus")),
		Status:         getString(data, "status"),
		PaymentID:      getString(data, "paymentId"),
		PaymentMethod:  recon.Provider(getString(data, "paymentMethod")),
		PaymentPhone:   getString(data, "paymentPhone"),
		PaymentError:   getString(data, "paymentError"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}
	if paymentDate, ok := data["paymentDate"].(time.Time); ok && !paymentDate.IsZero() {
		ent.PaymentDate = &paymentDate
	}
	return ent, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
