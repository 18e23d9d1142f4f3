package recon

import (
	"fmt"
	"strings"
)

// AccountReference correlates a provider payment event back to a payable
// entity. It is embedded as structured metadata on Stripe objects and encoded
// as a single "type_id" token in M-Pesa bill references. Generated when the
// payment intent/checkout is created, consumed exactly once at webhook time.
// Changing the token encoding is a breaking contract change for every
// outstanding payment.
type AccountReference struct {
	Type EntityType
	ID   string
}

// String encodes the reference as a single token, e.g. "membership_66f1a2".
func (r AccountReference) String() string {
	return string(r.Type) + "_" + r.ID
}

// Valid reports whether the reference names a known entity type and a non-empty id
func (r AccountReference) Valid() bool {
	switch r.Type {
	case EntityTypeMembership, EntityTypeDonation, EntityTypeOrder:
		return r.ID != ""
	default:
		return false
	}
}

// ParseAccountReference decodes a "type_id" token. Unknown entity types are
// terminal: the caller must not guess.
func ParseAccountReference(token string) (AccountReference, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return AccountReference{}, fmt.Errorf("%w: empty token", ErrInvalidReference)
	}

	// Entity ids may themselves contain underscores, so split on the first one only
	parts := strings.SplitN(token, "_", 2)
	if len(parts) != 2 || parts[1] == "" {
		return AccountReference{}, fmt.Errorf("%w: malformed token %q", ErrInvalidReference, token)
	}

	ref := AccountReference{Type: EntityType(parts[0]), ID: parts[1]}
	if !ref.Valid() {
		return AccountReference{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidReference, parts[0])
	}
	return ref, nil
}
