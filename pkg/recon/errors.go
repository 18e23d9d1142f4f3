package recon

import "errors"

var (
	// ErrEntityNotFound is returned when an account reference resolves to no entity
	ErrEntityNotFound = errors.New("payable entity not found")

	// ErrDuplicateEvent is returned when a provider event id was already recorded
	ErrDuplicateEvent = errors.New("duplicate provider event")

	// ErrInvalidReference is returned for malformed or unknown account references
	ErrInvalidReference = errors.New("invalid account reference")

	// ErrInvalidTransition is returned for payment status transitions the state
	// machine does not allow
	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrAmountMismatch is returned when the transacted amount differs from the
	// expected amount by more than the configured tolerance
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrMissingField is returned when a normalized event lacks a required field
	ErrMissingField = errors.New("missing required event field")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
