package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

const subscriptionColumns = `id, user_id, plan_id, mandate_id, start_at, end_at, status, trial_start_at, trial_end_at,
	last_txn_id, history, created_at, updated_at`

type subscriptionRepo struct{ base }

func (r subscriptionRepo) Create(ctx context.Context, s *domain.UserSubscription) error {
	s.ID = newID(s.ID)
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	history, err := marshalEvents(s.History)
	if err != nil {
		return err
	}
	trialStart, trialEnd := trialBounds(s.Trial)
	_, err = r.q.Exec(ctx, `INSERT INTO user_subscriptions (`+subscriptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.UserID, s.PlanID, s.MandateID, s.StartAt, s.EndAt, string(s.Status), trialStart, trialEnd,
		s.LastTxnID, history, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert subscription: %w", err)
	}
	return nil
}

func (r subscriptionRepo) Get(ctx context.Context, id string) (domain.UserSubscription, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE id = $1`), id)
	return one(rows, err, scanSubscription, "subscription", id)
}

func (r subscriptionRepo) latest(ctx context.Context, where, entity, id string, args ...any) (domain.UserSubscription, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+subscriptionColumns+` FROM user_subscriptions WHERE `+where+`
ORDER BY created_at DESC, seq DESC LIMIT 1`), args...)
	return one(rows, err, scanSubscription, entity, id)
}

func (r subscriptionRepo) CurrentForUser(ctx context.Context, userID string) (domain.UserSubscription, error) {
	return r.latest(ctx, `user_id = $1`, "subscription for user", userID, userID)
}

func (r subscriptionRepo) ActiveForUser(ctx context.Context, userID string) (domain.UserSubscription, error) {
	return r.latest(ctx, `user_id = $1 AND status = $2`, "active subscription for user", userID,
		userID, string(domain.SubscriptionActive))
}

func (r subscriptionRepo) LatestForMandate(ctx context.Context, mandateID string) (domain.UserSubscription, error) {
	return r.latest(ctx, `mandate_id = $1`, "subscription for mandate", mandateID, mandateID)
}

func (r subscriptionRepo) HasTrial(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_subscriptions WHERE user_id = $1 AND trial_start_at IS NOT NULL)`,
		userID).Scan(&ok)
	return ok, err
}

func (r subscriptionRepo) ListRenewalCandidates(ctx context.Context, window domain.RenewalWindow, afterID string, limit int) ([]domain.UserSubscription, error) {
	rows, err := r.q.Query(ctx, `SELECT `+subscriptionColumns+` FROM user_subscriptions
WHERE mandate_id <> '' AND status <> $1 AND end_at BETWEEN $2 AND $3 AND id > $4
ORDER BY id LIMIT $5`, string(domain.SubscriptionCancelled), window.From, window.To, afterID, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanSubscription)
}

func (r subscriptionRepo) Update(ctx context.Context, s domain.UserSubscription) error {
	history, err := marshalEvents(s.History)
	if err != nil {
		return err
	}
	trialStart, trialEnd := trialBounds(s.Trial)
	tag, err := r.q.Exec(ctx, `UPDATE user_subscriptions SET plan_id = $2, mandate_id = $3, start_at = $4, end_at = $5, status = $6,
	trial_start_at = $7, trial_end_at = $8, last_txn_id = $9, history = $10, updated_at = $11 WHERE id = $1`,
		s.ID, s.PlanID, s.MandateID, s.StartAt, s.EndAt, string(s.Status), trialStart, trialEnd, s.LastTxnID, history,
		updatedAt(s.UpdatedAt, r.now()))
	return affected(tag, err, "subscription", s.ID)
}

func scanSubscription(row pgx.CollectableRow) (domain.UserSubscription, error) {
	var (
		s          domain.UserSubscription
		status     string
		trialStart *time.Time
		trialEnd   *time.Time
		history    []byte
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.MandateID, &s.StartAt, &s.EndAt, &status, &trialStart, &trialEnd,
		&s.LastTxnID, &history, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.UserSubscription{}, err
	}
	s.Status = domain.SubscriptionStatus(status)
	if trialStart != nil && trialEnd != nil {
		s.Trial = &domain.TrialWindow{StartAt: *trialStart, EndAt: *trialEnd}
	}
	if err := unmarshalInto(history, &s.History); err != nil {
		return domain.UserSubscription{}, fmt.Errorf("postgres: subscription %s history: %w", s.ID, err)
	}
	return s, nil
}

func trialBounds(t *domain.TrialWindow) (start, end *time.Time) {
	if t == nil {
		return nil, nil
	}
	return &t.StartAt, &t.EndAt
}

func marshalEvents(h []domain.SubscriptionEvent) ([]byte, error) {
	if h == nil {
		h = []domain.SubscriptionEvent{}
	}
	return json.Marshal(h)
}
