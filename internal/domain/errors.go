package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a mandate, plan, subscription or
	// notification cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a command does not apply to the
	// current state of the aggregate.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition is an ErrInvalidState raised by the mandate state machine.
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidState)
	// ErrSignatureVerification is returned when an inbound webhook fails authentication.
	ErrSignatureVerification = errors.New("signature verification failed")
	// ErrExternalService wraps PSP transport failures and unexpected responses.
	ErrExternalService = errors.New("external service error")
	// ErrSequenceMismatch signals that the PSP rejected a sequence number and
	// the local counter has been corrected.
	ErrSequenceMismatch = errors.New("sequence number mismatch")
)

// NotFound wraps ErrNotFound with the missing entity name.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// Unrecoverable reports whether retrying the operation cannot change its
// outcome.
func Unrecoverable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState)
}
