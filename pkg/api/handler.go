package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

const (
	maxActorLen     = 255
	defaultMaxLimit = 500
)

// Handler provides read-only HTTP endpoints for reconciliation inspection
type Handler struct {
	config Config
}

// GetEntity returns the payment standing of a single payable entity.
// Query parameters: type, id.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	ref := recon.AccountReference{
		Type: recon.EntityType(r.URL.Query().Get("type")),
		ID:   r.URL.Query().Get("id"),
	}
	if !ref.Valid() {
		h.handleError(w, r, fmt.Errorf("type and id query parameters are required"), http.StatusBadRequest)
		return
	}

	ent, err := h.config.Storage.GetEntity(r.Context(), ref)
	if err != nil {
		if errors.Is(err, recon.ErrEntityNotFound) {
			h.handleError(w, r, fmt.Errorf("entity %s not found", ref), http.StatusNotFound)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get entity: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, EntityResponse{
		ID:             ent.ID,
		Type:           string(ent.Type),
		Status:         ent.Status,
		PaymentStatus:  string(ent.PaymentStatus),
		ExpectedAmount: ent.ExpectedAmount,
		Currency:       ent.Currency,
		PaymentID:      ent.PaymentID,
		PaymentMethod:  string(ent.PaymentMethod),
		PaymentPhone:   ent.PaymentPhone,
		PaymentError:   ent.PaymentError,
		PaymentDate:    ent.PaymentDate,
		UpdatedAt:      ent.UpdatedAt,
	})
}

// GetEventRecord answers whether a provider event has been processed.
// Query parameters: provider, event_id.
func (h *Handler) GetEventRecord(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	provider := recon.Provider(r.URL.Query().Get("provider"))
	eventID := r.URL.Query().Get("event_id")
	if provider == "" || eventID == "" {
		h.handleError(w, r, fmt.Errorf("provider and event_id query parameters are required"), http.StatusBadRequest)
		return
	}

	rec, err := h.config.Storage.GetEventRecord(r.Context(), provider, eventID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get event record: %w", err), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		h.handleError(w, r, fmt.Errorf("event %s/%s not found", provider, eventID), http.StatusNotFound)
		return
	}

	h.writeJSON(w, EventRecordResponse{
		Provider:    string(rec.Provider),
		EventID:     rec.EventID,
		ReceivedAt:  rec.ReceivedAt,
		ProcessedAt: rec.ProcessedAt,
		Processed:   rec.ProcessedAt != nil,
	})
}

// GetAuditTrail returns audit entries, newest first. Query parameters:
// entity_type, entity_id, provider, severity, start, end (RFC3339), limit.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	if h.config.Audit == nil {
		h.handleError(w, r, fmt.Errorf("audit log not configured"), http.StatusNotImplemented)
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	entries, err := h.config.Audit.GetAuditLogs(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get audit logs: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, AuditTrailResponse{
		Entries: entries,
		Count:   len(entries),
	})
}

func auditFilterFromQuery(r *http.Request) (recon.AuditLogFilter, error) {
	q := r.URL.Query()
	filter := recon.AuditLogFilter{
		EntityType: recon.EntityType(q.Get("entity_type")),
		EntityID:   q.Get("entity_id"),
		Provider:   recon.Provider(q.Get("provider")),
		Severity:   recon.Severity(q.Get("severity")),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > defaultMaxLimit {
			limit = defaultMaxLimit
		}
		filter.Limit = limit
	}

	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start %q", raw)
		}
		filter.StartTime = &t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end %q", raw)
		}
		filter.EndTime = &t
	}

	return filter, nil
}

// authorize rejects requests without an actor identity
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	actor := h.config.GetActor(r)
	if actor == "" {
		h.handleError(w, r, fmt.Errorf("actor identity not found"), http.StatusUnauthorized)
		return false
	}
	if len(actor) > maxActorLen {
		h.handleError(w, r, fmt.Errorf("invalid actor identity"), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Response already committed
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}
