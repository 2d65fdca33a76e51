package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
)

type seqRecorder map[string]int

func (s seqRecorder) SetSequenceNumber(_ context.Context, id string, n int) error {
	s[id] = n
	return nil
}

func TestCorrectedSequence(t *testing.T) {
	cases := map[string]struct {
		next int
		ok   bool
	}{
		"sequence number must be 3":                      {3, true},
		"Invalid sequence number, must be: 12":           {12, true},
		"notification for sequence already succeeded: 4": {5, true},
		"ALREADY SUCCEEDED 7":                            {8, true},
		"sequence number invalid":                        {0, false},
		"":                                               {0, false},
	}
	for msg, want := range cases {
		next, ok := gateway.CorrectedSequence(msg)
		require.Equal(t, want.ok, ok, msg)
		require.Equal(t, want.next, next, msg)
	}
}

func TestReconcileSequence(t *testing.T) {
	store := seqRecorder{}
	cause := errors.New("400 INVALID_SEQUENCE_NUMBER")

	err := gateway.ReconcileSequence(context.Background(), store, "m-1", "sequence number must be 3", cause)
	require.ErrorIs(t, err, domain.ErrSequenceMismatch)
	require.Equal(t, 3, store["m-1"])

	err = gateway.ReconcileSequence(context.Background(), store, "m-2", "garbled", cause)
	require.ErrorIs(t, err, domain.ErrExternalService)
	require.NotContains(t, store, "m-2")
}
