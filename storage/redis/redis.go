// Package redis provides a Redis implementation of the recon.Storage and
// recon.AuditLogger interfaces. Conditional transitions run inside a single
// Lua script so the compare-and-set on payment_status is atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Storage implements recon.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "payrecon:")
	KeyPrefix string

	// EventRecordTTL is the TTL for event dedup records (0 = no expiration).
	// Providers stop redelivering after days, not months, so expiring old
	// records is safe and keeps the keyspace bounded.
	EventRecordTTL time.Duration

	// MaxAuditEntries caps the audit list length (default: 10000)
	MaxAuditEntries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "payrecon:",
		EventRecordTTL:  30 * 24 * time.Hour,
		MaxAuditEntries: 10000,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "payrecon:"
	}
	if config.MaxAuditEntries == 0 {
		config.MaxAuditEntries = 10000
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Conditional transition: mutate the entity hash only if payment_status
	// still equals the expected from-status. Extra field/value pairs arrive
	// in ARGV[3..].
	s.scripts["transition"] = redis.NewScript(`
		local key = KEYS[1]

		if redis.call('EXISTS', key) == 0 then
			return 'not_found'
		end

		local current = redis.call('HGET', key, 'payment_status')
		if current ~= ARGV[1] then
			return 'conflict'
		end

		redis.call('HSET', key, 'payment_status', ARGV[2])
		for i = 3, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i+1])
		end

		return 'ok'
	`)
}

// entityHash is the wire form of a PayableEntity inside the Redis hash
const (
	fieldID             = "id"
	fieldType           = "type"
	fieldExpectedAmount = "expected_amount"
	fieldCurrency       = "currency"
	fieldPaymentStatus  = "payment_status"
	fieldStatus         = "status"
	fieldPaymentID      = "payment_id"
	fieldPaymentMethod  = "payment_method"
	fieldPaymentPhone   = "payment_phone"
	fieldPaymentError   = "payment_error"
	fieldPaymentDate    = "payment_date"
	fieldUpdatedAt      = "updated_at"
)

// GetEntity implements recon.Storage
func (s *Storage) GetEntity(ctx context.Context, ref recon.AccountReference) (*recon.PayableEntity, error) {
	key := s.entityKey(ref)

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if len(fields) == 0 {
		return nil, recon.ErrEntityNotFound
	}

	return entityFromHash(fields)
}

// SeedEntity writes an entity unconditionally. Intended for the application's
// creation path (registration, donation intent, order placement), not for the
// reconciliation flow.
func (s *Storage) SeedEntity(ctx context.Context, ent *recon.PayableEntity) error {
	if ent == nil || ent.ID == "" {
		return fmt.Errorf("invalid entity")
	}

	key := s.entityKey(recon.AccountReference{Type: ent.Type, ID: ent.ID})
	if err := s.client.HSet(ctx, key, entityToHash(ent)).Err(); err != nil {
		return fmt.Errorf("failed to seed entity: %w", err)
	}
	return nil
}

// ApplyTransition implements recon.Storage. Returns false without error when
// the stored payment status no longer matches req.FromStatus.
func (s *Storage) ApplyTransition(ctx context.Context, req *recon.TransitionRequest) (bool, error) {
	if req == nil || !req.Ref.Valid() {
		return false, fmt.Errorf("invalid transition request")
	}

	args := []interface{}{
		string(req.FromStatus),
		string(req.ToStatus),
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	}
	if req.EntityStatus != "" {
		args = append(args, fieldStatus, req.EntityStatus)
	}
	if req.PaymentID != "" {
		args = append(args, fieldPaymentID, req.PaymentID)
	}
	if req.PaymentMethod != "" {
		args = append(args, fieldPaymentMethod, string(req.PaymentMethod))
	}
	if req.PaymentPhone != "" {
		args = append(args, fieldPaymentPhone, req.PaymentPhone)
	}
	if req.PaymentError != "" {
		args = append(args, fieldPaymentError, req.PaymentError)
	}
	if req.PaymentDate != nil {
		args = append(args, fieldPaymentDate, req.PaymentDate.UTC().Format(time.RFC3339Nano))
	}

	result, err := s.scripts["transition"].Run(ctx, s.client, []string{s.entityKey(req.Ref)}, args...).Result()
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}

	switch result {
	case "ok":
		return true, nil
	case "conflict":
		return false, nil
	case "not_found":
		return false, recon.ErrEntityNotFound
	default:
		return false, fmt.Errorf("unexpected transition result: %v", result)
	}
}

// RecordEvent implements recon.Storage using SET NX as the unique insert
func (s *Storage) RecordEvent(ctx context.Context, rec *recon.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(rec.Provider, rec.EventID), data, s.config.EventRecordTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if !ok {
		return recon.ErrDuplicateEvent
	}
	return nil
}

// GetEventRecord implements recon.Storage; returns (nil, nil) when absent
func (s *Storage) GetEventRecord(ctx context.Context, provider recon.Provider, eventID string) (*recon.EventRecord, error) {
	data, err := s.client.Get(ctx, s.eventKey(provider, eventID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}

	var rec recon.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	return &rec, nil
}

// MarkEventProcessed implements recon.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, provider recon.Provider, eventID string) error {
	key := s.eventKey(provider, eventID)

	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return recon.ErrEntityNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get event record: %w", err)
	}

	var rec recon.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now

	updated, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}
	if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// LogAuditEntry implements recon.AuditLogger. Entries live in a single capped
// list, newest first.
func (s *Storage) LogAuditEntry(ctx context.Context, entry *recon.AuditLogEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), data)
	pipe.LTrim(ctx, s.auditKey(), 0, int64(s.config.MaxAuditEntries-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements recon.AuditLogger. Filtering happens client-side
// over the capped list; the list is already newest-first.
func (s *Storage) GetAuditLogs(ctx context.Context, filter recon.AuditLogFilter) ([]*recon.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	raw, err := s.client.LRange(ctx, s.auditKey(), 0, int64(s.config.MaxAuditEntries-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs: %w", err)
	}

	entries := make([]*recon.AuditLogEntry, 0, limit)
	for _, item := range raw {
		var entry recon.AuditLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		if !matchesFilter(&entry, filter) {
			continue
		}
		entries = append(entries, &entry)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
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

func (s *Storage) entityKey(ref recon.AccountReference) string {
	return fmt.Sprintf("%sentity:%s:%s", s.config.KeyPrefix, ref.Type, ref.ID)
}

func (s *Storage) eventKey(provider recon.Provider, eventID string) string {
	return fmt.Sprintf("%sevent:%s:%s", s.config.KeyPrefix, provider, eventID)
}

func (s *Storage) auditKey() string {
	return s.config.KeyPrefix + "audit"
}

// Close closes the underlying Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func entityToHash(ent *recon.PayableEntity) map[string]interface{} {
	fields := map[string]interface{}{
		fieldID:             ent.ID,
		fieldType:           string(ent.Type),
		fieldExpectedAmount: ent.ExpectedAmount.String(),
		fieldCurrency:       ent.Currency,
		fieldPaymentStatus:  string(ent.PaymentStatus),
		fieldStatus:         ent.Status,
		fieldPaymentID:      ent.PaymentID,
		fieldPaymentMethod:  string(ent.PaymentMethod),
		fieldPaymentPhone:   ent.PaymentPhone,
		fieldPaymentError:   ent.PaymentError,
		fieldUpdatedAt:      ent.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if ent.PaymentDate != nil {
		fields[fieldPaymentDate] = ent.PaymentDate.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func entityFromHash(fields map[string]string) (*recon.PayableEntity, error) {
	amount, err := decimal.NewFromString(fields[fieldExpectedAmount])
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount %q: %w", fields[fieldExpectedAmount], err)
	}

	ent := &recon.PayableEntity{
		ID:             fields[fieldID],
		Type:           recon.EntityType(fields[fieldType]),
		ExpectedAmount: amount,
		Currency:       fields[fieldCurrency],
		PaymentStatus:  recon.PaymentStatus(fields[fieldPaymentStatus]),
		Status:         fields[fieldStatus],
		PaymentID:      fields[fieldPaymentID],
		PaymentMethod:  recon.Provider(fields[fieldPaymentMethod]),
		PaymentPhone:   fields[fieldPaymentPhone],
		PaymentError:   fields[fieldPaymentError],
	}

	if raw := fields[fieldPaymentDate]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid payment date %q: %w", raw, err)
		}
		ent.PaymentDate = &t
	}
	if raw := fields[fieldUpdatedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at %q: %w", raw, err)
		}
		ent.UpdatedAt = t
	}

	return ent, nil
}
