package mandate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/gateway/gatewaytest"
	"github.com/noah-isme/backend-autopay/internal/mandate"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/store/memstore"
	"github.com/noah-isme/backend-autopay/internal/subscription"
)

var (
	paidTrialPlan = domain.Plan{ID: "plan-trial-49", TrialAmount: 49, NetAmount: 19900, MaxAmount: 19900, TrialDays: 7, FrequencyDays: 30}
	freeTrialPlan = domain.Plan{ID: "plan-trial-0", TrialAmount: 0, NetAmount: 9900, MaxAmount: 9900, TrialDays: 3, FrequencyDays: 30}
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Dispatch(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Key)
	}
	return out
}

type fakeExpiry struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
}

func (f *fakeExpiry) ScheduleExpiry(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[id] = at
	return nil
}

func (f *fakeExpiry) CancelExpiry(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
	return nil
}

func (f *fakeExpiry) at(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.scheduled[id]
	return at, ok
}

type fixture struct {
	svc      *mandate.Service
	store    *memstore.Store
	psp      *gatewaytest.Fake
	notifier *recordingNotifier
	expiry   *fakeExpiry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    memstore.New(),
		psp:      &gatewaytest.Fake{Secret: "whsec"},
		notifier: &recordingNotifier{},
		expiry:   &fakeExpiry{scheduled: map[string]time.Time{}},
		now:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.Now = clock
	f.store.PutPlan(paidTrialPlan)
	f.store.PutPlan(freeTrialPlan)
	f.svc = &mandate.Service{
		Store:         f.store,
		Gateways:      gateway.NewRegistry(f.psp),
		Subscriptions: subscription.Manager{Now: clock},
		Expiry:        &subscription.ExpiryWatcher{Store: f.store, Scheduler: f.expiry, Now: clock},
		Notifier:      f.notifier,
		Events:        &events.Bus{Store: f.store, Now: clock},
		ValidityYears: 30,
		Now:           clock,
	}
	return f
}

func (f *fixture) create(t *testing.T, userID string, plan domain.Plan) domain.Mandate {
	t.Helper()
	res, err := f.svc.CreateMandate(context.Background(), mandate.CreateRequest{
		UserID:   userID,
		PlanID:   plan.ID,
		PG:       domain.PGPhonePe,
		Metadata: domain.Metadata{AppID: "app-1", OS: "android"},
	})
	require.NoError(t, err)
	return res.Mandate
}

func (f *fixture) webhook(p gatewaytest.Payload) error {
	ev, err := p.Event()
	if err != nil {
		return err
	}
	return f.svc.Handle(context.Background(), ev, "")
}

func (f *fixture) activate(t *testing.T, m domain.Mandate) {
	t.Helper()
	require.NoError(t, f.webhook(gatewaytest.Payload{
		Type:           "mandate_operation.create.success",
		MandateID:      m.ID,
		PgMandateID:    "OMO-" + m.ID,
		UMN:            "umn-" + m.ID + "@ybl",
		PgTxnID:        "ACT-" + m.ID,
		Amount:         m.CreationAmount,
		SequenceNumber: m.SequenceNumber,
	}))
}

func (f *fixture) mandate(t *testing.T, id string) domain.Mandate {
	t.Helper()
	m, err := f.store.Repos().Mandates.Get(context.Background(), id)
	require.NoError(t, err)
	requireValidHistory(t, m)
	return m
}

func (f *fixture) subscription(t *testing.T, userID string) domain.UserSubscription {
	t.Helper()
	sub, err := f.store.Repos().Subscriptions.CurrentForUser(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

// requireValidHistory checks that every recorded status change is an edge of
// the mandate state machine.
func requireValidHistory(t *testing.T, m domain.Mandate) {
	t.Helper()
	require.NotEmpty(t, m.StatusHistory)
	require.Equal(t, string(domain.MandateInitiated), m.StatusHistory[0].Status)
	for i := 1; i < len(m.StatusHistory); i++ {
		from := domain.MandateStatus(m.StatusHistory[i-1].Status)
		to := domain.MandateStatus(m.StatusHistory[i].Status)
		require.Truef(t, domain.CanTransition(from, to), "illegal edge %s -> %s", from, to)
	}
	require.Equal(t, string(m.Status), m.StatusHistory[len(m.StatusHistory)-1].Status)
}
