// Package memstore is an in-memory implementation of domain.Store used by
// tests and by the "memory" storage driver for local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
)

type state struct {
	mandates      map[string]domain.Mandate
	transactions  map[string]domain.MandateTransaction
	notifications map[string]domain.MandateNotification
	refunds       map[string]domain.MandateRefund
	subscriptions map[string]domain.UserSubscription
	plans         map[string]domain.Plan
	users         map[string]domain.User
	payloads      []domain.WebhookPayload
	events        []events.Event
}

func newState() state {
	return state{
		mandates:      map[string]domain.Mandate{},
		transactions:  map[string]domain.MandateTransaction{},
		notifications: map[string]domain.MandateNotification{},
		refunds:       map[string]domain.MandateRefund{},
		subscriptions: map[string]domain.UserSubscription{},
		plans:         map[string]domain.Plan{},
		users:         map[string]domain.User{},
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.mandates {
		out.mandates[k] = cloneMandate(v)
	}
	for k, v := range s.transactions {
		out.transactions[k] = v
	}
	for k, v := range s.notifications {
		out.notifications[k] = cloneNotification(v)
	}
	for k, v := range s.refunds {
		out.refunds[k] = cloneRefund(v)
	}
	for k, v := range s.subscriptions {
		out.subscriptions[k] = cloneSubscription(v)
	}
	for k, v := range s.plans {
		out.plans[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	out.payloads = append([]domain.WebhookPayload(nil), s.payloads...)
	out.events = append([]events.Event(nil), s.events...)
	return out
}

// Store keeps every aggregate in maps guarded by a mutex. Transactions are
// serialized and rolled back by restoring a snapshot.
type Store struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	data  state
	seq   int64
	order map[string]int64
	// Now stamps CreatedAt/UpdatedAt; defaults to time.Now.
	Now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState(), order: map[string]int64{}}
}

// Repos returns repositories operating directly on the store.
func (s *Store) Repos() domain.Repos {
	return domain.Repos{
		Mandates:      mandateRepo{s},
		Transactions:  transactionRepo{s},
		Notifications: notificationRepo{s},
		Refunds:       refundRepo{s},
		Subscriptions: subscriptionRepo{s},
		Plans:         planRepo{s},
		Users:         userRepo{s},
		Payloads:      payloadRepo{s},
	}
}

// WithinTx runs fn exclusively and restores the previous state if fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(ctx, s.Repos()); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// InsertEvent implements events.Store.
func (s *Store) InsertEvent(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.events = append(s.data.events, ev)
	return nil
}

// PutPlan seeds a plan.
func (s *Store) PutPlan(p domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.plans[p.ID] = p
}

// PutUser seeds a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[u.ID] = u
}

// Transactions returns all transactions for a mandate ordered by creation.
func (s *Store) Transactions(mandateID string) []domain.MandateTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MandateTransaction
	for _, t := range s.data.transactions {
		if t.MandateID == mandateID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.newer(out[j].ID, out[j].CreatedAt, out[i].ID, out[i].CreatedAt) })
	return out
}

// Subscriptions returns all subscriptions of a user.
func (s *Store) Subscriptions(userID string) []domain.UserSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserSubscription
	for _, sub := range s.data.subscriptions {
		if sub.UserID == userID {
			out = append(out, cloneSubscription(sub))
		}
	}
	return out
}

// Payloads returns the recorded audit payloads.
func (s *Store) Payloads() []domain.WebhookPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookPayload(nil), s.data.payloads...)
}

// Events returns the recorded analytics events.
func (s *Store) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.data.events...)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// stamp records creation order as a tiebreaker for rows created within the
// same clock tick. Callers hold s.mu.
func (s *Store) stamp(id string) {
	s.seq++
	s.order[id] = s.seq
}

func (s *Store) newer(aID string, aAt time.Time, bID string, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return s.order[aID] > s.order[bID]
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func cloneMandate(m domain.Mandate) domain.Mandate {
	m.StatusHistory = append([]domain.StatusEntry(nil), m.StatusHistory...)
	return m
}

func cloneNotification(n domain.MandateNotification) domain.MandateNotification {
	n.StatusHistory = append([]domain.StatusEntry(nil), n.StatusHistory...)
	return n
}

func cloneRefund(r domain.MandateRefund) domain.MandateRefund {
	r.StatusHistory = append([]domain.StatusEntry(nil), r.StatusHistory...)
	return r
}

func cloneSubscription(s domain.UserSubscription) domain.UserSubscription {
	s.History = append([]domain.SubscriptionEvent(nil), s.History...)
	if s.Trial != nil {
		trial := *s.Trial
		s.Trial = &trial
	}
	return s
}
