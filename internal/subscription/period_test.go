package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/store/memstore"
	"github.com/noah-isme/backend-autopay/internal/subscription"
)

var plan = domain.Plan{ID: "plan-1", TrialAmount: 49, NetAmount: 19900, TrialDays: 7, FrequencyDays: 30}

func TestFirstDebit(t *testing.T) {
	p := subscription.FirstDebit(plan, false)
	require.Equal(t, subscription.Pricing{Amount: 49, SequenceNumber: 1, TrialEligible: true}, p)

	p = subscription.FirstDebit(plan, true)
	require.Equal(t, subscription.Pricing{Amount: 19900, SequenceNumber: 2}, p)
}

func TestExtendEndCarriesUnusedDays(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(48 * time.Hour)

	require.Equal(t, end.AddDate(0, 0, 30), subscription.ExtendEnd(end, now, 30))
	lapsed := now.Add(-72 * time.Hour)
	require.Equal(t, now.AddDate(0, 0, 30), subscription.ExtendEnd(lapsed, now, 30))
}

func TestIsFirstExecution(t *testing.T) {
	require.True(t, subscription.IsFirstExecution(1, plan))
	require.False(t, subscription.IsFirstExecution(2, plan))
	free := plan
	free.TrialAmount = 0
	require.False(t, subscription.IsFirstExecution(1, free))
}

func TestInTrial(t *testing.T) {
	now := time.Now()
	sub := domain.UserSubscription{Trial: &domain.TrialWindow{StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour)}}
	require.True(t, subscription.InTrial(sub, now))
	require.False(t, subscription.InTrial(sub, now.Add(2*time.Hour)))
	require.False(t, subscription.InTrial(domain.UserSubscription{}, now))
}

func TestTrialConsumed(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	mgr := subscription.Manager{}

	consumed, err := mgr.TrialConsumed(ctx, st.Repos(), "fresh")
	require.NoError(t, err)
	require.False(t, consumed)

	st.PutUser(domain.User{ID: "legacy", LegacyTrialConsumed: true})
	consumed, err = mgr.TrialConsumed(ctx, st.Repos(), "legacy")
	require.NoError(t, err)
	require.True(t, consumed)

	_, _, err = mgr.Activate(ctx, st.Repos().Subscriptions, subscription.Activation{UserID: "trialled", MandateID: "m-1", Plan: plan, Trial: true})
	require.NoError(t, err)
	consumed, err = mgr.TrialConsumed(ctx, st.Repos(), "trialled")
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestActivateCreatesThenExtends(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	mgr := subscription.Manager{Now: func() time.Time { return now }}
	repo := st.Repos().Subscriptions

	sub, created, err := mgr.Activate(ctx, repo, subscription.Activation{UserID: "u-1", MandateID: "m-1", Plan: plan, Trial: true, TxnID: "t-1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, now.AddDate(0, 0, 7), sub.EndAt)
	require.NotNil(t, sub.Trial)

	now = now.AddDate(0, 0, 5)
	renewed, created, err := mgr.Activate(ctx, repo, subscription.Activation{UserID: "u-1", MandateID: "m-2", Plan: plan, TxnID: "t-2"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sub.ID, renewed.ID)
	require.Equal(t, sub.EndAt.AddDate(0, 0, 30), renewed.EndAt)
	require.Equal(t, "m-2", renewed.MandateID)
	require.Equal(t, "t-2", renewed.LastTxnID)
	require.Len(t, renewed.History, 2)
}

func TestActivateWithoutTrialUsesFrequency(t *testing.T) {
	now := time.Now().UTC()
	mgr := subscription.Manager{Now: func() time.Time { return now }}
	sub, _, err := mgr.Activate(context.Background(), memstore.New().Repos().Subscriptions, subscription.Activation{UserID: "u", MandateID: "m", Plan: plan})
	require.NoError(t, err)
	require.Nil(t, sub.Trial)
	require.Equal(t, now.AddDate(0, 0, 30), sub.EndAt)
}

func TestCancelResume(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	mgr := subscription.Manager{}
	repo := st.Repos().Subscriptions
	sub, _, err := mgr.Activate(ctx, repo, subscription.Activation{UserID: "u", MandateID: "m", Plan: plan, Trial: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(ctx, repo, &sub, "mandate_paused"))
	got, err := repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionCancelled, got.Status)

	require.NoError(t, mgr.Resume(ctx, repo, &got, "mandate_resumed"))
	got, err = repo.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionActive, got.Status)

	got.Status = domain.SubscriptionExpired
	require.ErrorIs(t, mgr.Resume(ctx, repo, &got, "x"), domain.ErrInvalidState)
}
