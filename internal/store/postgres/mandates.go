package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

const mandateColumns = `id, user_id, plan_id, pg, pg_mandate_id, umn, sequence_number, creation_amount, max_amount,
	trial_eligible, status, status_history, expires_at, metadata, created_at, updated_at`

type mandateRepo struct{ base }

func (r mandateRepo) Create(ctx context.Context, m *domain.Mandate) error {
	m.ID = newID(m.ID)
	now := r.now()
	m.CreatedAt, m.UpdatedAt = now, now
	history, err := marshalHistory(m.StatusHistory)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO mandates (`+mandateColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.UserID, m.PlanID, string(m.PG), m.PgMandateID, m.UMN, m.SequenceNumber, m.CreationAmount, m.MaxAmount,
		m.TrialEligible, string(m.Status), history, m.ExpiresAt, meta, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert mandate: %w", err)
	}
	return nil
}

func (r mandateRepo) Get(ctx context.Context, id string) (domain.Mandate, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+mandateColumns+` FROM mandates WHERE id = $1`), id)
	return one(rows, err, scanMandate, "mandate", id)
}

func (r mandateRepo) ListByUser(ctx context.Context, userID string) ([]domain.Mandate, error) {
	rows, err := r.q.Query(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE user_id = $1 ORDER BY created_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanMandate)
}

func (r mandateRepo) Update(ctx context.Context, m domain.Mandate) error {
	history, err := marshalHistory(m.StatusHistory)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `UPDATE mandates SET pg_mandate_id = $2, umn = $3, sequence_number = $4, max_amount = $5,
	trial_eligible = $6, status = $7, status_history = $8, expires_at = $9, metadata = $10, updated_at = $11
WHERE id = $1`,
		m.ID, m.PgMandateID, m.UMN, m.SequenceNumber, m.MaxAmount,
		m.TrialEligible, string(m.Status), history, m.ExpiresAt, meta, r.now())
	return affected(tag, err, "mandate", m.ID)
}

func (r mandateRepo) SetSequenceNumber(ctx context.Context, id string, seq int) error {
	tag, err := r.q.Exec(ctx, `UPDATE mandates SET sequence_number = $2, updated_at = $3 WHERE id = $1`, id, seq, r.now())
	return affected(tag, err, "mandate", id)
}

func scanMandate(row pgx.CollectableRow) (domain.Mandate, error) {
	var (
		m       domain.Mandate
		pg      string
		status  string
		history []byte
		meta    []byte
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.PlanID, &pg, &m.PgMandateID, &m.UMN, &m.SequenceNumber, &m.CreationAmount,
		&m.MaxAmount, &m.TrialEligible, &status, &history, &m.ExpiresAt, &meta, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return domain.Mandate{}, err
	}
	m.PG = domain.PG(pg)
	m.Status = domain.MandateStatus(status)
	if err := unmarshalInto(history, &m.StatusHistory); err != nil {
		return domain.Mandate{}, fmt.Errorf("postgres: mandate %s history: %w", m.ID, err)
	}
	if err := unmarshalInto(meta, &m.Metadata); err != nil {
		return domain.Mandate{}, fmt.Errorf("postgres: mandate %s metadata: %w", m.ID, err)
	}
	return m, nil
}

type planRepo struct{ base }

func (r planRepo) Get(ctx context.Context, id string) (domain.Plan, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, trial_amount, net_amount, max_amount, trial_days, frequency_days, currency
FROM plans WHERE id = $1`, id)
	return one(rows, err, func(row pgx.CollectableRow) (domain.Plan, error) {
		var p domain.Plan
		err := row.Scan(&p.ID, &p.Name, &p.TrialAmount, &p.NetAmount, &p.MaxAmount, &p.TrialDays, &p.FrequencyDays, &p.Currency)
		return p, err
	}, "plan", id)
}

type userRepo struct{ base }

// Get returns a bare User when the row does not exist; such users have no
// legacy trial history.
func (r userRepo) Get(ctx context.Context, id string) (domain.User, error) {
	u := domain.User{ID: id}
	err := r.q.QueryRow(ctx, `SELECT legacy_trial_consumed FROM users WHERE id = $1`, id).Scan(&u.LegacyTrialConsumed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, err
	}
	return u, nil
}

type payloadRepo struct{ base }

func (r payloadRepo) Create(ctx context.Context, p *domain.WebhookPayload) error {
	p.ID = newID(p.ID)
	p.CreatedAt = r.now()
	_, err := r.q.Exec(ctx, `INSERT INTO webhook_payloads (id, pg, operation, direction, body, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, p.ID, string(p.PG), p.Operation, string(p.Direction), p.Body, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert payload: %w", err)
	}
	return nil
}
