package mandate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
	"github.com/noah-isme/backend-autopay/internal/gateway/gatewaytest"
	"github.com/noah-isme/backend-autopay/internal/mandate"
	"github.com/noah-isme/backend-autopay/internal/notify"
)

const day = 24 * time.Hour

func eventTypes(f *fixture) []events.Type {
	var out []events.Type
	for _, ev := range f.store.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestCreateMandatePricesFirstDebit(t *testing.T) {
	f := newFixture(t)

	m := f.create(t, "u-new", paidTrialPlan)
	require.Equal(t, domain.MandateInitiated, m.Status)
	require.Equal(t, 1, m.SequenceNumber)
	require.EqualValues(t, 49, m.CreationAmount)
	require.True(t, m.TrialEligible)
	require.EqualValues(t, paidTrialPlan.MaxAmount, m.MaxAmount)
	require.Equal(t, "OMO-"+m.ID, m.PgMandateID)
	require.Equal(t, f.now.AddDate(30, 0, 0), m.ExpiresAt)
	require.Len(t, f.psp.Created(), 1)
	require.EqualValues(t, 49, f.psp.Created()[0].Amount)

	f.store.PutUser(domain.User{ID: "u-legacy", LegacyTrialConsumed: true})
	legacy := f.create(t, "u-legacy", paidTrialPlan)
	require.Equal(t, 2, legacy.SequenceNumber)
	require.EqualValues(t, paidTrialPlan.NetAmount, legacy.CreationAmount)
	require.False(t, legacy.TrialEligible)

	require.Contains(t, eventTypes(f), events.MandateCreated)
}

func TestCreateMandateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateMandate(ctx, mandate.CreateRequest{UserID: "u-1", PlanID: "missing", PG: domain.PGPhonePe})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.CreateMandate(ctx, mandate.CreateRequest{UserID: "u-1", PlanID: paidTrialPlan.ID, PG: "paytm"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	_, err = f.svc.CreateMandate(ctx, mandate.CreateRequest{UserID: "u-1", PlanID: paidTrialPlan.ID, PG: domain.PGPhonePe})
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFreeTrialActivation(t *testing.T) {
	f := newFixture(t)
	start := f.now

	m := f.create(t, "u-free", freeTrialPlan)
	require.EqualValues(t, 0, m.CreationAmount)
	f.activate(t, m)

	got := f.mandate(t, m.ID)
	require.Equal(t, domain.MandateActive, got.Status)
	require.Equal(t, 2, got.SequenceNumber)
	require.Equal(t, "umn-"+m.ID+"@ybl", got.UMN)

	sub := f.subscription(t, "u-free")
	require.Equal(t, domain.SubscriptionActive, sub.Status)
	require.Equal(t, m.ID, sub.MandateID)
	require.Equal(t, start.Add(3*day), sub.EndAt)
	require.NotNil(t, sub.Trial)

	at, ok := f.expiry.at(sub.ID)
	require.True(t, ok)
	require.Equal(t, sub.EndAt, at)

	txns := f.store.Transactions(m.ID)
	require.Len(t, txns, 1)
	require.Equal(t, domain.TxnSuccess, txns[0].Status)
	require.Contains(t, eventTypes(f), events.TrialActivated)
}

func TestActivationReplayIsIgnored(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	first := f.subscription(t, "u-1")

	f.now = f.now.Add(time.Hour)
	f.activate(t, m)

	require.Len(t, f.store.Transactions(m.ID), 1)
	require.Len(t, f.store.Subscriptions("u-1"), 1)
	require.Equal(t, first.EndAt, f.subscription(t, "u-1").EndAt)
}

func TestActivationFailure(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "u-1", paidTrialPlan)

	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type:      "mandate_operation.create.failed",
		MandateID: m.ID,
		PgTxnID:   "ACT-FAIL",
		Detail:    "user declined",
	}))

	got := f.mandate(t, m.ID)
	require.Equal(t, domain.MandateFailed, got.Status)
	txns := f.store.Transactions(m.ID)
	require.Len(t, txns, 1)
	require.Equal(t, domain.TxnFailed, txns[0].Status)
	require.Equal(t, []string{notify.KeyTrialFailed}, f.notifier.keys())
	require.Contains(t, eventTypes(f), events.MandateFailed)
	require.Empty(t, f.store.Subscriptions("u-1"))

	err := f.webhook(gatewaytest.Payload{
		Type:           "mandate_operation.create.success",
		MandateID:      m.ID,
		PgTxnID:        "ACT-LATE",
		SequenceNumber: 1,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.Equal(t, domain.MandateFailed, f.mandate(t, m.ID).Status)
	require.Len(t, f.store.Transactions(m.ID), 1)
}

func TestRenewalDebitExtendsSubscription(t *testing.T) {
	f := newFixture(t)
	start := f.now
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	trialEnd := start.Add(7 * day)

	// the creation debit never extends the window
	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type: "mandate_operation.execute.success", MandateID: m.ID, PgTxnID: "D-1", SequenceNumber: 1, Amount: 49,
	}))
	require.Equal(t, trialEnd, f.subscription(t, "u-1").EndAt)

	f.now = trialEnd.Add(-2 * day)
	debit := gatewaytest.Payload{
		Type: "mandate_operation.execute.success", MandateID: m.ID, PgTxnID: "D-2", PaymentID: "pay-2", SequenceNumber: 2,
	}
	require.NoError(t, f.webhook(debit))
	sub := f.subscription(t, "u-1")
	require.Equal(t, trialEnd.Add(30*day), sub.EndAt)
	require.Equal(t, domain.SubscriptionActive, sub.Status)
	at, _ := f.expiry.at(sub.ID)
	require.Equal(t, sub.EndAt, at)
	require.Contains(t, f.notifier.keys(), notify.KeyRenewalSuccess)

	require.NoError(t, f.webhook(debit))
	require.Equal(t, trialEnd.Add(30*day), f.subscription(t, "u-1").EndAt)
	require.Len(t, f.store.Transactions(m.ID), 3)

	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type: "mandate_operation.execute.success", MandateID: m.ID, PgTxnID: "D-3", SequenceNumber: 3,
	}))
	require.Equal(t, trialEnd.Add(60*day), f.subscription(t, "u-1").EndAt)

	txns := f.store.Transactions(m.ID)
	require.EqualValues(t, paidTrialPlan.NetAmount, txns[len(txns)-1].Amount)
}

func TestFailedDebitLeavesWindow(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	before := f.subscription(t, "u-1").EndAt
	f.now = f.now.Add(time.Hour)

	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type: "mandate_operation.execute.failed", MandateID: m.ID, PgTxnID: "D-2", SequenceNumber: 2,
	}))
	require.Equal(t, before, f.subscription(t, "u-1").EndAt)
	txns := f.store.Transactions(m.ID)
	require.Equal(t, domain.TxnFailed, txns[len(txns)-1].Status)
}

func TestToggleDuringTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	f.now = f.now.Add(day)

	paused, err := f.svc.Toggle(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, domain.MandatePausedInApp, paused.Status)
	sub := f.subscription(t, "u-1")
	require.Equal(t, domain.SubscriptionCancelled, sub.Status)
	_, armed := f.expiry.at(sub.ID)
	require.False(t, armed)

	resumed, err := f.svc.Toggle(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, domain.MandateActive, resumed.Status)
	sub = f.subscription(t, "u-1")
	require.Equal(t, domain.SubscriptionActive, sub.Status)
	_, armed = f.expiry.at(sub.ID)
	require.True(t, armed)

	f.mandate(t, m.ID)
	require.Contains(t, eventTypes(f), events.MandatePaused)
	require.Contains(t, eventTypes(f), events.MandateResumed)
}

func TestToggleWithoutMandate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Toggle(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPSPPauseAfterTrialKeepsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)

	f.now = start.Add(6 * day)
	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type: "mandate_operation.execute.success", MandateID: m.ID, PgTxnID: "D-2", SequenceNumber: 2,
	}))

	f.now = start.Add(10 * day)
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.pause.success", MandateID: m.ID}))
	require.Equal(t, domain.MandatePausedPSP, f.mandate(t, m.ID).Status)
	require.Equal(t, domain.SubscriptionActive, f.subscription(t, "u-1").Status)

	_, err := f.svc.Toggle(ctx, "u-1")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.unpause.success", MandateID: m.ID}))
	require.Equal(t, domain.MandateActive, f.mandate(t, m.ID).Status)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.revoke.success", MandateID: m.ID}))
	got := f.mandate(t, m.ID)
	require.Equal(t, domain.MandateRevokedPSP, got.Status)
	require.Equal(t, domain.SubscriptionActive, f.subscription(t, "u-1").Status)
}

func TestPSPPauseDuringTrialCancelsSubscription(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	f.now = f.now.Add(2 * day)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.pause.success", MandateID: m.ID}))
	require.Equal(t, domain.SubscriptionCancelled, f.subscription(t, "u-1").Status)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.unpause.success", MandateID: m.ID}))
	require.Equal(t, domain.SubscriptionActive, f.subscription(t, "u-1").Status)
	require.Equal(t, domain.MandateActive, f.mandate(t, m.ID).Status)
}

func TestNewMandateSupersedesPrevious(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "u-1", paidTrialPlan)
	f.now = f.now.Add(time.Minute)
	second := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, second)

	old := f.mandate(t, first.ID)
	require.Equal(t, domain.MandateCancelledAndStartedAnew, old.Status)
	require.Equal(t, domain.MandateActive, f.mandate(t, second.ID).Status)

	err := f.webhook(gatewaytest.Payload{Type: "mandate_operation.pause.success", MandateID: first.ID})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.True(t, domain.Unrecoverable(err))
	require.Equal(t, domain.MandateActive, f.mandate(t, second.ID).Status)
}

// staleListing serves ListByUser rows as an unlocked read would see them
// just before a concurrent writer bumped the sequence number.
type staleListing struct {
	domain.Store
}

func (s staleListing) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		r.Mandates = staleMandates{MandateRepository: r.Mandates}
		return fn(ctx, r)
	})
}

type staleMandates struct {
	domain.MandateRepository
}

func (m staleMandates) ListByUser(ctx context.Context, userID string) ([]domain.Mandate, error) {
	list, err := m.MandateRepository.ListByUser(ctx, userID)
	for i := range list {
		list[i].SequenceNumber--
	}
	return list, err
}

func TestTransitionsWriteTheLockedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, "u-1", paidTrialPlan)
	f.now = f.now.Add(time.Minute)
	second := f.create(t, "u-1", paidTrialPlan)
	f.svc.Store = staleListing{Store: f.store}

	f.activate(t, second)
	old := f.mandate(t, first.ID)
	require.Equal(t, domain.MandateCancelledAndStartedAnew, old.Status)
	require.Equal(t, first.SequenceNumber, old.SequenceNumber)

	f.now = f.now.Add(day)
	before := f.mandate(t, second.ID).SequenceNumber
	paused, err := f.svc.Toggle(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, domain.MandatePausedInApp, paused.Status)
	require.Equal(t, before, f.mandate(t, second.ID).SequenceNumber)
}

func TestInitiatedWebhooksAreIgnored(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "u-1", paidTrialPlan)
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.create.pending", MandateID: m.ID, PgTxnID: "ACT"}))
	require.Equal(t, domain.MandateInitiated, f.mandate(t, m.ID).Status)
	require.Empty(t, f.store.Transactions(m.ID))
}

func TestRefundLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type: "mandate_operation.execute.success", MandateID: m.ID, PgTxnID: "D-2", PaymentID: "pay-2", SequenceNumber: 2,
	}))
	txn, err := f.store.Repos().Transactions.FindByPaymentID(ctx, "pay-2")
	require.NoError(t, err)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "refund.refund.initiated", PaymentID: "pay-2", PgRefundID: "R-1"}))
	refund, err := f.store.Repos().Refunds.FindByTransactionID(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RefundInitiated, refund.Status)
	require.Equal(t, domain.RefundBySystem, refund.Initiator)
	require.EqualValues(t, paidTrialPlan.NetAmount, refund.Amount)

	success := gatewaytest.Payload{Type: "refund.refund.success", PaymentID: "pay-2", PgRefundID: "R-1", Initiator: "user"}
	require.NoError(t, f.webhook(success))
	require.NoError(t, f.webhook(success))

	again, err := f.store.Repos().Refunds.FindByTransactionID(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, refund.ID, again.ID)
	require.Equal(t, domain.RefundSuccess, again.Status)
	require.Len(t, again.StatusHistory, 2)

	txn, err = f.store.Repos().Transactions.FindByPaymentID(ctx, "pay-2")
	require.NoError(t, err)
	require.Equal(t, domain.TxnRefunded, txn.Status)

	var processed int
	for _, typ := range eventTypes(f) {
		if typ == events.RefundProcessed {
			processed++
		}
	}
	require.Equal(t, 1, processed)

	err = f.webhook(gatewaytest.Payload{Type: "refund.refund.success", PaymentID: "unknown"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotificationStatusUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	notifications := f.store.Repos().Notifications

	failed := &domain.MandateNotification{MandateID: m.ID, PgNotificationID: "N-1", SequenceNumber: 2, Amount: 19900, Status: domain.NotificationSent}
	require.NoError(t, notifications.Create(ctx, failed))
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.failed", PgNotificationID: "N-1"}))
	require.Equal(t, 3, f.mandate(t, m.ID).SequenceNumber)
	n, err := notifications.FindByPgNotificationID(ctx, "N-1")
	require.NoError(t, err)
	require.Equal(t, domain.NotificationFailed, n.Status)

	// redelivery must not burn another sequence number
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.failed", PgNotificationID: "N-1"}))
	require.Equal(t, 3, f.mandate(t, m.ID).SequenceNumber)

	f.now = f.now.Add(time.Minute)
	ok := &domain.MandateNotification{MandateID: m.ID, PgNotificationID: "N-2", SequenceNumber: 3, Amount: 19900, Status: domain.NotificationSent}
	require.NoError(t, notifications.Create(ctx, ok))
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.pending", PgNotificationID: "N-2"}))
	n, err = notifications.FindByPgNotificationID(ctx, "N-2")
	require.NoError(t, err)
	require.Equal(t, domain.NotificationPending, n.Status)

	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.success", PgNotificationID: "N-2"}))
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.success", PgNotificationID: "N-2"}))
	require.Equal(t, []string{notify.KeyTrialConversion}, f.notifier.keys())

	f.now = f.now.Add(time.Minute)
	executed := &domain.MandateNotification{MandateID: m.ID, PgNotificationID: "N-3", SequenceNumber: 3, Status: domain.NotificationExecuted}
	require.NoError(t, notifications.Create(ctx, executed))
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.failed", PgNotificationID: "N-3"}))
	n, err = notifications.FindByPgNotificationID(ctx, "N-3")
	require.NoError(t, err)
	require.Equal(t, domain.NotificationExecuted, n.Status)
	require.Equal(t, 3, f.mandate(t, m.ID).SequenceNumber)
}

func TestWebhooksWithoutPSPIdentifiersTouchNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	repos := f.store.Repos()

	unsent := &domain.MandateNotification{MandateID: m.ID, SequenceNumber: 2, Amount: 19900, Status: domain.NotificationSent}
	require.NoError(t, repos.Notifications.Create(ctx, unsent))

	err := f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.failed"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	n, err := repos.Notifications.Get(ctx, unsent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.NotificationSent, n.Status)
	require.Equal(t, 2, f.mandate(t, m.ID).SequenceNumber)

	// the activation debit carries no payment id
	err = f.webhook(gatewaytest.Payload{Type: "refund.refund.success", PgRefundID: "R-9"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	txn, err := repos.Transactions.FindByPgTxnID(ctx, m.ID, "ACT-"+m.ID)
	require.NoError(t, err)
	require.Empty(t, txn.PaymentID)
	require.Equal(t, domain.TxnSuccess, txn.Status)
}

func TestNotificationSuccessAfterTrial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.create(t, "u-1", paidTrialPlan)
	f.activate(t, m)
	f.now = f.now.Add(8 * day)

	n := &domain.MandateNotification{MandateID: m.ID, PgNotificationID: "N-1", SequenceNumber: 2, Status: domain.NotificationSent}
	require.NoError(t, f.store.Repos().Notifications.Create(ctx, n))
	require.NoError(t, f.webhook(gatewaytest.Payload{Type: "mandate_operation.notify.success", PgNotificationID: "N-1"}))
	require.Equal(t, []string{notify.KeyUpcomingRenewal}, f.notifier.keys())
}
