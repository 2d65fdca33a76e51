package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

var (
	alreadySucceededPattern = regexp.MustCompile(`(?i)already\s+succeeded\s*:?\s*(\d+)`)
	mustBePattern           = regexp.MustCompile(`(?i)must\s+be\s*:?\s*(\d+)`)
)

// SequenceStore persists corrected sequence numbers.
type SequenceStore interface {
	SetSequenceNumber(ctx context.Context, mandateID string, n int) error
}

// CorrectedSequence extracts the sequence number the PSP expects next from its
// error text. "already succeeded: N" yields N+1 and "must be N" yields N.
// Any other message reports ok=false and must not be auto-corrected.
func CorrectedSequence(message string) (next int, ok bool) {
	if m := alreadySucceededPattern.FindStringSubmatch(message); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n + 1, true
		}
	}
	if m := mustBePattern.FindStringSubmatch(message); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// ReconcileSequence stores the corrected counter and returns an error wrapping
// domain.ErrSequenceMismatch. When the message has an unknown shape the
// original cause is returned as an external-service failure.
func ReconcileSequence(ctx context.Context, store SequenceStore, mandateID, message string, cause error) error {
	next, ok := CorrectedSequence(message)
	if !ok || store == nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalService, cause)
	}
	if err := store.SetSequenceNumber(ctx, mandateID, next); err != nil {
		return fmt.Errorf("gateway: store corrected sequence: %w", err)
	}
	return fmt.Errorf("%w: mandate %s corrected to %d", domain.ErrSequenceMismatch, mandateID, next)
}
