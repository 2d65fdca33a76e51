package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

var allStatuses = []domain.MandateStatus{
	domain.MandateInitiated,
	domain.MandateActive,
	domain.MandatePausedInApp,
	domain.MandatePausedPSP,
	domain.MandatePausedNoAppOpen,
	domain.MandateRevokedPSP,
	domain.MandateFailed,
	domain.MandateCancelledAndStartedAnew,
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()

	for _, terminal := range []domain.MandateStatus{domain.MandateFailed, domain.MandateRevokedPSP, domain.MandateCancelledAndStartedAnew} {
		require.True(t, terminal.Terminal(), terminal)
		for _, to := range allStatuses {
			require.False(t, domain.CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestTransitionEdges(t *testing.T) {
	t.Parallel()

	type edge struct{ from, to domain.MandateStatus }
	allowed := map[edge]bool{
		{domain.MandateInitiated, domain.MandateActive}:                        true,
		{domain.MandateInitiated, domain.MandateFailed}:                        true,
		{domain.MandateActive, domain.MandatePausedInApp}:                      true,
		{domain.MandateActive, domain.MandatePausedPSP}:                        true,
		{domain.MandateActive, domain.MandatePausedNoAppOpen}:                  true,
		{domain.MandateActive, domain.MandateRevokedPSP}:                       true,
		{domain.MandateActive, domain.MandateCancelledAndStartedAnew}:          true,
		{domain.MandatePausedInApp, domain.MandateActive}:                      true,
		{domain.MandatePausedNoAppOpen, domain.MandateActive}:                  true,
		{domain.MandatePausedPSP, domain.MandateActive}:                        true,
		// a superseded mandate may never have activated
		{domain.MandateInitiated, domain.MandateCancelledAndStartedAnew}:       true,
		// the PSP may pause or revoke a mandate the app already paused
		{domain.MandatePausedInApp, domain.MandatePausedPSP}:                   true,
		{domain.MandatePausedNoAppOpen, domain.MandatePausedPSP}:               true,
		{domain.MandatePausedInApp, domain.MandateRevokedPSP}:                  true,
		{domain.MandatePausedNoAppOpen, domain.MandateRevokedPSP}:              true,
		{domain.MandatePausedPSP, domain.MandateRevokedPSP}:                    true,
		{domain.MandatePausedInApp, domain.MandateCancelledAndStartedAnew}:     true,
		{domain.MandatePausedNoAppOpen, domain.MandateCancelledAndStartedAnew}: true,
		{domain.MandatePausedPSP, domain.MandateCancelledAndStartedAnew}:       true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			require.Equal(t, allowed[edge{from, to}], domain.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTransitionRecordsHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := domain.Mandate{Status: domain.MandateInitiated}

	changed, err := m.Transition(domain.MandateActive, now, "activated")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = m.Transition(domain.MandateActive, now.Add(time.Minute), "replay")
	require.NoError(t, err)
	require.False(t, changed)

	_, err = m.Transition(domain.MandateFailed, now, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.Equal(t, domain.MandateActive, m.Status)
	require.Len(t, m.StatusHistory, 1)
	require.Equal(t, string(domain.MandateActive), m.StatusHistory[0].Status)
}

func TestRandomWalkOnlyFollowsEdges(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := domain.Mandate{Status: domain.MandateInitiated}
	history := []domain.MandateStatus{m.Status}
	for i := 0; i < 200; i++ {
		target := allStatuses[(i*7+3)%len(allStatuses)]
		if changed, err := m.Transition(target, now, ""); err == nil && changed {
			history = append(history, target)
		}
	}
	for i := 1; i < len(history); i++ {
		require.True(t, domain.CanTransition(history[i-1], history[i]), "%s -> %s", history[i-1], history[i])
	}
}

func TestPausedClassification(t *testing.T) {
	t.Parallel()

	require.True(t, domain.MandatePausedInApp.AppPaused())
	require.True(t, domain.MandatePausedNoAppOpen.AppPaused())
	require.False(t, domain.MandatePausedPSP.AppPaused())
	require.True(t, domain.MandatePausedPSP.Paused())
	require.False(t, domain.MandateActive.Paused())
}
