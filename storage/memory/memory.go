// Package memory provides an in-memory implementation of the recon.Storage
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Storage implements recon.Storage and recon.AuditLogger using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	entities map[string]*recon.PayableEntity
	events   map[string]*recon.EventRecord
	audit    []*recon.AuditLogEntry
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		entities: make(map[string]*recon.PayableEntity),
		events:   make(map[string]*recon.EventRecord),
	}
}

// SeedEntity stores a payable entity, for test and dev setup
func (s *Storage) SeedEntity(ent *recon.PayableEntity) error {
	if ent == nil || ent.ID == "" {
		return fmt.Errorf("invalid entity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.entities[entityKey(ent.Type, ent.ID)] = &entCopy
	return nil
}

// GetEntity implements recon.Storage
func (s *Storage) GetEntity(ctx context.Context, ref recon.AccountReference) (*recon.PayableEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entities[entityKey(ref.Type, ref.ID)]
	if !ok {
		return nil, recon.ErrEntityNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// ApplyTransition implements recon.Storage with a conditional compare-and-set
func (s *Storage) ApplyTransition(ctx context.Context, req *recon.TransitionRequest) (bool, error) {
	if req == nil || !req.Ref.Valid() {
		return false, fmt.Errorf("invalid transition request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[entityKey(req.Ref.Type, req.Ref.ID)]
	if !ok {
		return false, recon.ErrEntityNotFound
	}
	if ent.PaymentStatus != req.FromStatus {
		return false, nil
	}

	ent.PaymentStatus = req.ToStatus
	if req.EntityStatus != "" {
		ent.Status = req.EntityStatus
	}
	if req.PaymentID != "" {
		ent.PaymentID = req.PaymentID
	}
	if req.PaymentMethod != "" {
		ent.PaymentMethod = req.PaymentMethod
	}
	if req.PaymentPhone != "" {
		ent.PaymentPhone = req.PaymentPhone
	}
	if req.PaymentError != "" {
		ent.PaymentError = req.PaymentError
	}
	if req.PaymentDate != nil {
		d := *req.PaymentDate
		ent.PaymentDate = &d
	}
	ent.UpdatedAt = time.Now().UTC()

	return true, nil
}

// RecordEvent implements recon.Storage with a unique insert
func (s *Storage) RecordEvent(ctx context.Context, rec *recon.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(rec.Provider, rec.EventID)
	if _, exists := s.events[key]; exists {
		return recon.ErrDuplicateEvent
	}

	recCopy := *rec
	s.events[key] = &recCopy
	return nil
}

// GetEventRecord implements recon.Storage
func (s *Storage) GetEventRecord(ctx context.Context, provider recon.Provider, eventID string) (*recon.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return nil, nil // No record is not an error
	}

	recCopy := *rec
	return &recCopy, nil
}

// MarkEventProcessed implements recon.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, provider recon.Provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return fmt.Errorf("event record not found")
	}

	now := time.Now().UTC()
	rec.ProcessedAt = &now
	return nil
}

// LogAuditEntry implements recon.AuditLogger
func (s *Storage) LogAuditEntry(ctx context.Context, entry *recon.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.audit = append(s.audit, &entryCopy)
	return nil
}

// GetAuditLogs implements recon.AuditLogger, newest first
func (s *Storage) GetAuditLogs(ctx context.Context, filter recon.AuditLogFilter) ([]*recon.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var results []*recon.AuditLogEntry
	for _, entry := range s.audit {
		if !matchesFilter(entry, filter) {
			continue
		}
		entryCopy := *entry
		results = append(results, &entryCopy)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func matchesFilter(entry *recon.AuditLogEntry, filter recon.AuditLogFilter) bool {
	if filter.EntityType != "" && entry.EntityType != filter.EntityType {
		return false
	}
	if filter.EntityID != "" && entry.EntityID != filter.EntityID {
		return false
	}
	if filter.Provider != "" && entry.Provider != filter.Provider {
		return false
	}
	if filter.Severity != "" && entry.Severity != filter.Severity {
		return false
	}
	if filter.StartTime != nil && entry.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && entry.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}

func entityKey(t recon.EntityType, id string) string {
	return string(t) + ":" + id
}

func eventKey(p recon.Provider, eventID string) string {
	return string(p) + ":" + eventID
}
