package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/payrecon/pkg/recon"
)

func seedMember(t *testing.T, s *Storage, id string) recon.AccountReference {
	t.Helper()
	err := s.SeedEntity(&recon.PayableEntity{
		ID:             id,
		Type:           recon.EntityTypeMembership,
		ExpectedAmount: decimal.NewFromInt(50),
		Currency:       "USD",
		PaymentStatus:  recon.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("SeedEntity failed: %v", err)
	}
	return recon.AccountReference{Type: recon.EntityTypeMembership, ID: id}
}

func TestGetEntity_NotFound(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetEntity(ctx, recon.AccountReference{Type: recon.EntityTypeDonation, ID: "missing"})
	if err != recon.ErrEntityNotFound {
		t.Errorf("Expected ErrEntityNotFound, got %v", err)
	}
}

func TestGetEntity_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := seedMember(t, s, "m1")

	ent, err := s.GetEntity(ctx, ref)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}

	ent.PaymentStatus = recon.PaymentStatusPaid

	again, _ := s.GetEntity(ctx, ref)
	if again.PaymentStatus != recon.PaymentStatusPending {
		t.Error("Mutating a returned entity must not affect stored state")
	}
}

func TestApplyTransition_Conditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := seedMember(t, s, "m2")

	paymentDate := time.Now().UTC()
	applied, err := s.ApplyTransition(ctx, &recon.TransitionRequest{
		Ref:           ref,
		FromStatus:    recon.PaymentStatusPending,
		ToStatus:      recon.PaymentStatusPaid,
		EntityStatus:  "active",
		PaymentID:     "TX100",
		PaymentMethod: recon.ProviderMpesa,
		PaymentPhone:  "254700000001",
		PaymentDate:   &paymentDate,
	})
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if !applied {
		t.Fatal("Expected transition to be applied")
	}

	ent, _ := s.GetEntity(ctx, ref)
	if ent.PaymentStatus != recon.PaymentStatusPaid {
		t.Errorf("Expected paid, got %s", ent.PaymentStatus)
	}
	if ent.Status != "active" || ent.PaymentID != "TX100" || ent.PaymentMethod != recon.ProviderMpesa {
		t.Errorf("Payment fields not stamped: %+v", ent)
	}
	if ent.PaymentDate == nil {
		t.Error("Expected payment date to be stamped")
	}

	// Second attempt from pending must not apply
	applied, err = s.ApplyTransition(ctx, &recon.TransitionRequest{
		Ref:        ref,
		FromStatus: recon.PaymentStatusPending,
		ToStatus:   recon.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if applied {
		t.Error("Expected conditional transition to be skipped once status changed")
	}
}

func TestApplyTransition_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := seedMember(t, s, "m3")

	const workers = 20
	var wg sync.WaitGroup
	appliedCount := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := s.ApplyTransition(ctx, &recon.TransitionRequest{
				Ref:        ref,
				FromStatus: recon.PaymentStatusPending,
				ToStatus:   recon.PaymentStatusPaid,
			})
			if err == nil && applied {
				appliedCount <- true
			}
		}()
	}
	wg.Wait()
	close(appliedCount)

	total := 0
	for range appliedCount {
		total++
	}
	if total != 1 {
		t.Errorf("Expected exactly one applied transition, got %d", total)
	}
}

func TestRecordEvent_Duplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &recon.EventRecord{
		Provider:   recon.ProviderStripe,
		EventID:    "evt_1",
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := s.RecordEvent(ctx, rec); err != recon.ErrDuplicateEvent {
		t.Errorf("Expected ErrDuplicateEvent, got %v", err)
	}

	// Same event id under another provider is a distinct record
	rec2 := &recon.EventRecord{Provider: recon.ProviderMpesa, EventID: "evt_1", ReceivedAt: time.Now().UTC()}
	if err := s.RecordEvent(ctx, rec2); err != nil {
		t.Errorf("Expected cross-provider insert to succeed, got %v", err)
	}
}

func TestMarkEventProcessed(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := &recon.EventRecord{Provider: recon.ProviderMpesa, EventID: "evt_2", ReceivedAt: time.Now().UTC()}
	if err := s.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := s.MarkEventProcessed(ctx, recon.ProviderMpesa, "evt_2"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}

	got, err := s.GetEventRecord(ctx, recon.ProviderMpesa, "evt_2")
	if err != nil {
		t.Fatalf("GetEventRecord failed: %v", err)
	}
	if got == nil || got.ProcessedAt == nil {
		t.Error("Expected processed timestamp to be set")
	}
}

func TestGetEventRecord_Missing(t *testing.T) {
	s := New()

	got, err := s.GetEventRecord(context.Background(), recon.ProviderStripe, "nope")
	if err != nil {
		t.Fatalf("GetEventRecord failed: %v", err)
	}
	if got != nil {
		t.Error("Expected nil record for unknown event id")
	}
}

func TestAuditLogs_FilterAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Now().UTC()
	entries := []*recon.AuditLogEntry{
		{ID: "1", Provider: recon.ProviderMpesa, EntityType: recon.EntityTypeMembership, EntityID: "m1", Severity: recon.SeverityInfo, Timestamp: base},
		{ID: "2", Provider: recon.ProviderStripe, EntityType: recon.EntityTypeDonation, EntityID: "d1", Severity: recon.SeveritySecurity, Timestamp: base.Add(time.Second)},
		{ID: "3", Provider: recon.ProviderMpesa, EntityType: recon.EntityTypeMembership, EntityID: "m1", Severity: recon.SeverityWarning, Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := s.LogAuditEntry(ctx, e); err != nil {
			t.Fatalf("LogAuditEntry failed: %v", err)
		}
	}

	got, err := s.GetAuditLogs(ctx, recon.AuditLogFilter{
		EntityType: recon.EntityTypeMembership,
		EntityID:   "m1",
	})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(got))
	}
	if got[0].ID != "3" {
		t.Errorf("Expected newest first, got %s", got[0].ID)
	}

	sec, err := s.GetAuditLogs(ctx, recon.AuditLogFilter{Severity: recon.SeveritySecurity})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(sec) != 1 || sec[0].ID != "2" {
		t.Errorf("Expected the security entry, got %+v", sec)
	}
}

func TestAuditLogs_Limit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		entry := &recon.AuditLogEntry{
			ID:        string(rune('a' + i)),
			Provider:  recon.ProviderStripe,
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.LogAuditEntry(ctx, entry); err != nil {
			t.Fatalf("LogAuditEntry failed: %v", err)
		}
	}

	got, err := s.GetAuditLogs(ctx, recon.AuditLogFilter{Limit: 3})
	if err != nil {
		t.Fatalf("GetAuditLogs failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(got))
	}
}
