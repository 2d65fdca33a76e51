package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

type mandateRepo struct{ s *Store }

func (r mandateRepo) Create(_ context.Context, m *domain.Mandate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = newID(m.ID)
	now := r.s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	r.s.data.mandates[m.ID] = cloneMandate(*m)
	r.s.stamp(m.ID)
	return nil
}

func (r mandateRepo) Get(_ context.Context, id string) (domain.Mandate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.data.mandates[id]
	if !ok {
		return domain.Mandate{}, domain.NotFound("mandate", id)
	}
	return cloneMandate(m), nil
}

func (r mandateRepo) ListByUser(_ context.Context, userID string) ([]domain.Mandate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Mandate
	for _, m := range r.s.data.mandates {
		if m.UserID == userID {
			out = append(out, cloneMandate(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.s.newer(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out, nil
}

func (r mandateRepo) Update(_ context.Context, m domain.Mandate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.mandates[m.ID]; !ok {
		return domain.NotFound("mandate", m.ID)
	}
	m.UpdatedAt = r.s.now()
	r.s.data.mandates[m.ID] = cloneMandate(m)
	return nil
}

func (r mandateRepo) SetSequenceNumber(_ context.Context, id string, seq int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.data.mandates[id]
	if !ok {
		return domain.NotFound("mandate", id)
	}
	m.SequenceNumber = seq
	m.UpdatedAt = r.s.now()
	r.s.data.mandates[id] = m
	return nil
}

type transactionRepo struct{ s *Store }

func (r transactionRepo) Create(_ context.Context, t *domain.MandateTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = newID(t.ID)
	now := r.s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	r.s.data.transactions[t.ID] = *t
	r.s.stamp(t.ID)
	return nil
}

func (r transactionRepo) FindByPgTxnID(_ context.Context, mandateID, pgTxnID string) (domain.MandateTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.data.transactions {
		if t.MandateID == mandateID && t.PgTxnID == pgTxnID {
			return t, nil
		}
	}
	return domain.MandateTransaction{}, domain.NotFound("transaction", pgTxnID)
}

func (r transactionRepo) FindByPaymentID(_ context.Context, paymentID string) (domain.MandateTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.data.transactions {
		if paymentID != "" && t.PaymentID == paymentID {
			return t, nil
		}
	}
	return domain.MandateTransaction{}, domain.NotFound("transaction", paymentID)
}

func (r transactionRepo) Update(_ context.Context, t domain.MandateTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.transactions[t.ID]; !ok {
		return domain.NotFound("transaction", t.ID)
	}
	t.UpdatedAt = r.s.now()
	r.s.data.transactions[t.ID] = t
	return nil
}

func (r transactionRepo) CountSuccessfulByUser(_ context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, t := range r.s.data.transactions {
		m, ok := r.s.data.mandates[t.MandateID]
		if !ok || m.UserID != userID {
			continue
		}
		if t.Status == domain.TxnSuccess || t.Status == domain.TxnRefunded {
			count++
		}
	}
	return count, nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) Create(_ context.Context, n *domain.MandateNotification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n.ID = newID(n.ID)
	now := r.s.now()
	n.CreatedAt, n.UpdatedAt = now, now
	r.s.data.notifications[n.ID] = cloneNotification(*n)
	r.s.stamp(n.ID)
	return nil
}

func (r notificationRepo) Get(_ context.Context, id string) (domain.MandateNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.s.data.notifications[id]
	if !ok {
		return domain.MandateNotification{}, domain.NotFound("notification", id)
	}
	return cloneNotification(n), nil
}

func (r notificationRepo) FindByPgNotificationID(_ context.Context, pgNotificationID string) (domain.MandateNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, n := range r.s.data.notifications {
		if pgNotificationID != "" && n.PgNotificationID == pgNotificationID {
			return cloneNotification(n), nil
		}
	}
	return domain.MandateNotification{}, domain.NotFound("notification", pgNotificationID)
}

func (r notificationRepo) LatestForMandate(_ context.Context, mandateID string) (domain.MandateNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n, ok := r.latestLocked(mandateID)
	if !ok {
		return domain.MandateNotification{}, domain.NotFound("notification for mandate", mandateID)
	}
	return cloneNotification(n), nil
}

func (r notificationRepo) latestLocked(mandateID string) (domain.MandateNotification, bool) {
	var (
		latest domain.MandateNotification
		found  bool
	)
	for _, n := range r.s.data.notifications {
		if n.MandateID != mandateID {
			continue
		}
		if !found || r.s.newer(n.ID, n.CreatedAt, latest.ID, latest.CreatedAt) {
			latest, found = n, true
		}
	}
	return latest, found
}

func (r notificationRepo) Update(_ context.Context, n domain.MandateNotification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.notifications[n.ID]; !ok {
		return domain.NotFound("notification", n.ID)
	}
	r.s.data.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (r notificationRepo) ListReadyForExecution(_ context.Context, dueBefore time.Time, afterID string, limit int) ([]domain.MandateNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filterLocked(afterID, limit, func(n domain.MandateNotification) bool {
		if n.Status != domain.NotificationSuccess || n.DebitAt.After(dueBefore) {
			return false
		}
		latest, _ := r.latestLocked(n.MandateID)
		return latest.ID == n.ID
	}), nil
}

func (r notificationRepo) ListStale(_ context.Context, olderThan time.Time, afterID string, limit int) ([]domain.MandateNotification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.filterLocked(afterID, limit, func(n domain.MandateNotification) bool {
		pending := n.Status == domain.NotificationSent || n.Status == domain.NotificationPending
		return pending && n.UpdatedAt.Before(olderThan)
	}), nil
}

func (r notificationRepo) filterLocked(afterID string, limit int, keep func(domain.MandateNotification) bool) []domain.MandateNotification {
	var out []domain.MandateNotification
	for _, n := range r.s.data.notifications {
		if n.ID > afterID && keep(n) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type refundRepo struct{ s *Store }

func (r refundRepo) Create(_ context.Context, rf *domain.MandateRefund) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rf.ID = newID(rf.ID)
	now := r.s.now()
	rf.CreatedAt, rf.UpdatedAt = now, now
	r.s.data.refunds[rf.ID] = cloneRefund(*rf)
	return nil
}

func (r refundRepo) FindByTransactionID(_ context.Context, transactionID string) (domain.MandateRefund, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rf := range r.s.data.refunds {
		if rf.TransactionID == transactionID {
			return cloneRefund(rf), nil
		}
	}
	return domain.MandateRefund{}, domain.NotFound("refund for transaction", transactionID)
}

func (r refundRepo) Update(_ context.Context, rf domain.MandateRefund) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.refunds[rf.ID]; !ok {
		return domain.NotFound("refund", rf.ID)
	}
	r.s.data.refunds[rf.ID] = cloneRefund(rf)
	return nil
}

type subscriptionRepo struct{ s *Store }

func (r subscriptionRepo) Create(_ context.Context, sub *domain.UserSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub.ID = newID(sub.ID)
	now := r.s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	r.s.data.subscriptions[sub.ID] = cloneSubscription(*sub)
	r.s.stamp(sub.ID)
	return nil
}

func (r subscriptionRepo) Get(_ context.Context, id string) (domain.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.data.subscriptions[id]
	if !ok {
		return domain.UserSubscription{}, domain.NotFound("subscription", id)
	}
	return cloneSubscription(sub), nil
}

func (r subscriptionRepo) latest(match func(domain.UserSubscription) bool) (domain.UserSubscription, bool) {
	var (
		latest domain.UserSubscription
		found  bool
	)
	for _, sub := range r.s.data.subscriptions {
		if !match(sub) {
			continue
		}
		if !found || r.s.newer(sub.ID, sub.CreatedAt, latest.ID, latest.CreatedAt) {
			latest, found = sub, true
		}
	}
	return cloneSubscription(latest), found
}

func (r subscriptionRepo) CurrentForUser(_ context.Context, userID string) (domain.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.latest(func(s domain.UserSubscription) bool { return s.UserID == userID })
	if !ok {
		return domain.UserSubscription{}, domain.NotFound("subscription for user", userID)
	}
	return sub, nil
}

func (r subscriptionRepo) ActiveForUser(_ context.Context, userID string) (domain.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.latest(func(s domain.UserSubscription) bool {
		return s.UserID == userID && s.Status == domain.SubscriptionActive
	})
	if !ok {
		return domain.UserSubscription{}, domain.NotFound("active subscription for user", userID)
	}
	return sub, nil
}

func (r subscriptionRepo) LatestForMandate(_ context.Context, mandateID string) (domain.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.latest(func(s domain.UserSubscription) bool { return s.MandateID == mandateID })
	if !ok {
		return domain.UserSubscription{}, domain.NotFound("subscription for mandate", mandateID)
	}
	return sub, nil
}

func (r subscriptionRepo) HasTrial(_ context.Context, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.data.subscriptions {
		if sub.UserID == userID && sub.Trial != nil {
			return true, nil
		}
	}
	return false, nil
}

func (r subscriptionRepo) ListRenewalCandidates(_ context.Context, window domain.RenewalWindow, afterID string, limit int) ([]domain.UserSubscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.UserSubscription
	for _, sub := range r.s.data.subscriptions {
		if sub.ID <= afterID || sub.MandateID == "" || sub.Status == domain.SubscriptionCancelled {
			continue
		}
		if sub.EndAt.Before(window.From) || sub.EndAt.After(window.To) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r subscriptionRepo) Update(_ context.Context, sub domain.UserSubscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.subscriptions[sub.ID]; !ok {
		return domain.NotFound("subscription", sub.ID)
	}
	r.s.data.subscriptions[sub.ID] = cloneSubscription(sub)
	return nil
}

type planRepo struct{ s *Store }

func (r planRepo) Get(_ context.Context, id string) (domain.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.data.plans[id]
	if !ok {
		return domain.Plan{}, domain.NotFound("plan", id)
	}
	return p, nil
}

type userRepo struct{ s *Store }

func (r userRepo) Get(_ context.Context, id string) (domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.data.users[id]
	if !ok {
		return domain.User{ID: id}, nil
	}
	return u, nil
}

type payloadRepo struct{ s *Store }

func (r payloadRepo) Create(_ context.Context, p *domain.WebhookPayload) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p.ID = newID(p.ID)
	p.CreatedAt = r.s.now()
	r.s.data.payloads = append(r.s.data.payloads, *p)
	return nil
}
