// Package postgres provides a PostgreSQL implementation of the recon.Storage
// and recon.AuditLogger interfaces. Conditional transitions run in a
// transaction with SELECT FOR UPDATE; event dedup rides on a composite
// primary key.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

// Storage implements recon.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger recon.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRecordTTL  time.Duration // TTL for processed event records

	// Logger receives background cleanup failures. Optional; if nil, logging
	// is disabled.
	Logger recon.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		EventRecordTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &recon.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the schema if it does not exist
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payable_entities (
			entity_type     TEXT        NOT NULL,
			id              TEXT        NOT NULL,
			expected_amount NUMERIC(14,2) NOT NULL,
			currency        TEXT        NOT NULL,
			payment_status  TEXT        NOT NULL,
			status          TEXT        NOT NULL DEFAULT '',
			payment_id      TEXT        NOT NULL DEFAULT '',
			payment_method  TEXT        NOT NULL DEFAULT '',
			payment_phone   TEXT        NOT NULL DEFAULT '',
			payment_error   TEXT        NOT NULL DEFAULT '',
			payment_date    TIMESTAMPTZ,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment_events (
			provider     TEXT        NOT NULL,
			event_id     TEXT        NOT NULL,
			payload_hash TEXT        NOT NULL DEFAULT '',
			received_at  TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			PRIMARY KEY (provider, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT        PRIMARY KEY,
			event_type  TEXT        NOT NULL DEFAULT '',
			description TEXT        NOT NULL DEFAULT '',
			actor       TEXT        NOT NULL DEFAULT '',
			severity    TEXT        NOT NULL DEFAULT '',
			status      TEXT        NOT NULL DEFAULT '',
			provider    TEXT        NOT NULL DEFAULT '',
			entity_type TEXT        NOT NULL DEFAULT '',
			entity_id   TEXT        NOT NULL DEFAULT '',
			metadata    JSONB,
			ts          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_entity_idx ON audit_log (entity_type, entity_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log (ts DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntity implements recon.Storage
func (s *Storage) GetEntity(ctx context.Context, ref recon.AccountReference) (*recon.PayableEntity, error) {
	var (
		ent       recon.PayableEntity
		amountStr string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_type, expected_amount::text, currency, payment_status,
				status, payment_id, payment_method, payment_phone, payment_error,
				payment_date, updated_at
			FROM payable_entities WHERE entity_type = $1 AND id = $2`,
		string(ref.Type), ref.ID).Scan(
		&ent.ID,
		&ent.Type,
		&amountStr,
		&ent.Currency,
		&ent.PaymentStatus,
		&ent.Status,
		&ent.PaymentID,
		&ent.PaymentMethod,
		&ent.PaymentPhone,
		&ent.PaymentError,
		&ent.PaymentDate,
		&ent.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, recon.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	ent.ExpectedAmount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount %q: %w", amountStr, err)
	}

	return &ent, nil
}

// SeedEntity upserts an entity. Intended for the application's creation path,
// not the reconciliation flow.
func (s *Storage) SeedEntity(ctx context.Context, ent *recon.PayableEntity) error {
	if ent == nil || ent.ID == "" {
		return fmt.Errorf("invalid entity")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payable_entities
				(entity_type, id, expected_amount, currency, payment_status, status,
				 payment_id, payment_method, payment_phone, payment_error, payment_date, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (entity_type, id) DO UPDATE SET
				expected_amount = EXCLUDED.expected_amount,
				currency        = EXCLUDED.currency,
				payment_status  = EXCLUDED.payment_status,
				status          = EXCLUDED.status,
				updated_at      = NOW()`,
		string(ent.Type), ent.ID, ent.ExpectedAmount.String(), ent.Currency,
		string(ent.PaymentStatus), ent.Status, ent.PaymentID,
		string(ent.PaymentMethod), ent.PaymentPhone, ent.PaymentError, ent.PaymentDate)
	if err != nil {
		return fmt.Errorf("failed to seed entity: %w", err)
	}
	return nil
}

// ApplyTransition implements recon.Storage. The row lock plus the conditional
// UPDATE guarantee a single winner under concurrent deliveries.
func (s *Storage) ApplyTransition(ctx context.Context, req *recon.TransitionRequest) (bool, error) {
	if req == nil || !req.Ref.Valid() {
		return false, fmt.Errorf("invalid transition request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT payment_status FROM payable_entities
			WHERE entity_type = $1 AND id = $2 FOR UPDATE`,
		string(req.Ref.Type), req.Ref.ID).Scan(&current)
	if err == pgx.ErrNoRows {
		return false, recon.ErrEntityNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock entity: %w", err)
	}

	if current != string(req.FromStatus) {
		// Lost the race or replayed after a transition; commit the no-op
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		return false, nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE payable_entities SET
				payment_status = $1,
				status         = COALESCE(NULLIF($2, ''), status),
				payment_id     = COALESCE(NULLIF($3, ''), payment_id),
				payment_method = COALESCE(NULLIF($4, ''), payment_method),
				payment_phone  = COALESCE(NULLIF($5, ''), payment_phone),
				payment_error  = COALESCE(NULLIF($6, ''), payment_error),
				payment_date   = COALESCE($7, payment_date),
				updated_at     = NOW()
			WHERE entity_type = $8 AND id = $9 AND payment_status = $10`,
		string(req.ToStatus), req.EntityStatus, req.PaymentID,
		string(req.PaymentMethod), req.PaymentPhone, req.PaymentError,
		req.PaymentDate, string(req.Ref.Type), req.Ref.ID, string(req.FromStatus))
	if err != nil {
		return false, fmt.Errorf("failed to apply transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordEvent implements recon.Storage. The composite primary key is the
// unique insert; a conflicting insert means a replayed delivery.
func (s *Storage) RecordEvent(ctx context.Context, rec *recon.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return fmt.Errorf("invalid event record")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payment_events (provider, event_id, payload_hash, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (provider, event_id) DO NOTHING`,
		string(rec.Provider), rec.EventID, rec.PayloadHash, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrDuplicateEvent
	}
	return nil
}

// GetEventRecord implements recon.Storage; returns (nil, nil) when absent
func (s *Storage) GetEventRecord(ctx context.Context, provider recon.Provider, eventID string) (*recon.EventRecord, error) {
	var rec recon.EventRecord
	err := s.pool.QueryRow(ctx,
		`SELECT provider, event_id, payload_hash, received_at, processed_at
			FROM payment_events WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID).Scan(
		&rec.Provider, &rec.EventID, &rec.PayloadHash, &rec.ReceivedAt, &rec.ProcessedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event record: %w", err)
	}
	return &rec, nil
}

// MarkEventProcessed implements recon.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, provider recon.Provider, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payment_events SET processed_at = NOW()
			WHERE provider = $1 AND event_id = $2`,
		string(provider), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return recon.ErrEntityNotFound
	}
	return nil
}

// LogAuditEntry implements recon.AuditLogger; the table is append-only
func (s *Storage) LogAuditEntry(ctx context.Context, entry *recon.AuditLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log
				(id, event_type, description, actor, severity, status,
				 provider, entity_type, entity_id, metadata, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.EventType, entry.Description, entry.Actor,
		string(entry.Severity), entry.Status, string(entry.Provider),
		string(entry.EntityType), entry.EntityID, metadata, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// GetAuditLogs implements recon.AuditLogger, newest first
func (s *Storage) GetAuditLogs(ctx context.Context, filter recon.AuditLogFilter) ([]*recon.AuditLogEntry, error) {
	query := `SELECT id, event_type, description, actor, severity, status,
					provider, entity_type, entity_id, metadata, ts
				FROM audit_log WHERE 1=1`
	args := make([]interface{}, 0, 7)

	appendCond := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}

	if filter.EntityType != "" {
		appendCond("entity_type", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		appendCond("entity_id", filter.EntityID)
	}
	if filter.Provider != "" {
		appendCond("provider", string(filter.Provider))
	}
	if filter.Severity != "" {
		appendCond("severity", string(filter.Severity))
	}
	if filter.StartTime != nil {
		args = append(args, *filter.StartTime)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if filter.EndTime != nil {
		args = append(args, *filter.EndTime)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*recon.AuditLogEntry
	for rows.Next() {
		var (
			entry    recon.AuditLogEntry
			metadata []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.EventType, &entry.Description, &entry.Actor,
			&entry.Severity, &entry.Status, &entry.Provider,
			&entry.EntityType, &entry.EntityID, &metadata, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit logs: %w", err)
	}

	return entries, nil
}

// startCleanup runs periodic cleanup of old processed event records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(context.Background())
		}
	}
}

// runCleanup executes one cleanup pass and surfaces failures through the
// logger; a perpetually failing cleanup job must not be invisible.
func (s *Storage) runCleanup(ctx context.Context) {
	if err := s.cleanupProcessedEvents(ctx); err != nil {
		s.logger.Warn("event record cleanup failed",
			recon.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Storage) cleanupProcessedEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventRecordTTL)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM payment_events WHERE processed_at IS NOT NULL AND processed_at < $1`,
		cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up event records: %w", err)
	}
	return nil
}

// Cleanup runs one cleanup pass immediately
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupProcessedEvents(ctx)
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
