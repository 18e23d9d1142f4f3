package recon

import (
	"errors"
	"testing"
)

func TestParseAccountReference(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		want    AccountReference
		wantErr bool
	}{
		{
			name:  "membership",
			token: "membership_66f1a2b3",
			want:  AccountReference{Type: EntityTypeMembership, ID: "66f1a2b3"},
		},
		{
			name:  "donation",
			token: "donation_abc",
			want:  AccountReference{Type: EntityTypeDonation, ID: "abc"},
		},
		{
			name:  "order",
			token: "order_9",
			want:  AccountReference{Type: EntityTypeOrder, ID: "9"},
		},
		{
			name:  "id with underscores",
			token: "order_batch_2024_07",
			want:  AccountReference{Type: EntityTypeOrder, ID: "batch_2024_07"},
		},
		{
			name:  "surrounding whitespace",
			token: "  membership_m1  ",
			want:  AccountReference{Type: EntityTypeMembership, ID: "m1"},
		},
		{
			name:    "unknown entity type",
			token:   "invoice_77",
			wantErr: true,
		},
		{
			name:    "no separator",
			token:   "membership",
			wantErr: true,
		},
		{
			name:    "empty id",
			token:   "donation_",
			wantErr: true,
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAccountReference(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for token %q", tt.token)
				}
				if !errors.Is(err, ErrInvalidReference) {
					t.Errorf("Expected ErrInvalidReference, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAccountReference(%q) failed: %v", tt.token, err)
			}
			if got != tt.want {
				t.Errorf("Got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAccountReference_RoundTrip(t *testing.T) {
	ref := AccountReference{Type: EntityTypeMembership, ID: "66f1a2b3"}
	parsed, err := ParseAccountReference(ref.String())
	if err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}
	if parsed != ref {
		t.Errorf("Got %+v, want %+v", parsed, ref)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     bool
	}{
		{PaymentStatusPending, PaymentStatusPaid, true},
		{PaymentStatusPending, PaymentStatusFailed, true},
		{PaymentStatusPaid, PaymentStatusRefunded, true},
		{PaymentStatusPaid, PaymentStatusPending, false},
		{PaymentStatusPaid, PaymentStatusFailed, false},
		{PaymentStatusFailed, PaymentStatusPaid, false},
		{PaymentStatusRefunded, PaymentStatusPaid, false},
		{PaymentStatusPending, PaymentStatusRefunded, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestActiveStatusFor(t *testing.T) {
	if got := ActiveStatusFor(EntityTypeMembership); got != "active" {
		t.Errorf("membership: got %q", got)
	}
	if got := ActiveStatusFor(EntityTypeDonation); got != "completed" {
		t.Errorf("donation: got %q", got)
	}
	if got := ActiveStatusFor(EntityTypeOrder); got != "confirmed" {
		t.Errorf("order: got %q", got)
	}
	if got := ActiveStatusFor(EntityType("other")); got != "" {
		t.Errorf("unknown: got %q", got)
	}
}
