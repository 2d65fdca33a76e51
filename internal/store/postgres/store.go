// Package postgres implements domain.Store on pgx. Inside WithinTx the
// aggregate reads take row locks so handlers for one mandate serialize.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed domain.Store and events.Store.
type Store struct {
	Pool *pgxpool.Pool
	Now  func() time.Time
}

var (
	_ domain.Store = (*Store)(nil)
	_ events.Store = (*Store)(nil)
)

// New returns a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Repos returns repositories bound to the pool, without row locks.
func (s *Store) Repos() domain.Repos {
	return s.repos(s.Pool, false)
}

// WithinTx runs fn in one read-committed transaction. Mandate and
// subscription reads inside fn lock their rows until commit.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	return pgx.BeginTxFunc(ctx, s.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, s.repos(tx, true))
	})
}

func (s *Store) repos(q querier, lock bool) domain.Repos {
	b := base{q: q, lock: lock, now: s.now}
	return domain.Repos{
		Mandates:      mandateRepo{b},
		Transactions:  transactionRepo{b},
		Notifications: notificationRepo{b},
		Refunds:       refundRepo{b},
		Subscriptions: subscriptionRepo{b},
		Plans:         planRepo{b},
		Users:         userRepo{b},
		Payloads:      payloadRepo{b},
	}
}

// InsertEvent implements events.Store.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	props, err := json.Marshal(ev.Properties)
	if err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO analytics_events (id, type, user_id, mandate_id, subscription_id, amount, properties, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, string(ev.Type), ev.UserID, ev.MandateID, ev.SubscriptionID, ev.Amount, props, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type base struct {
	q    querier
	lock bool
	now  func() time.Time
}

// forUpdate appends a row lock when running inside WithinTx.
func (b base) forUpdate(sql string) string {
	if b.lock {
		return sql + " FOR UPDATE"
	}
	return sql
}

// one collects exactly one row, translating "no rows" into a NotFound error.
func one[T any](rows pgx.Rows, err error, scan pgx.RowToFunc[T], entity, id string) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	v, err := pgx.CollectExactlyOneRow(rows, scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, domain.NotFound(entity, id)
	}
	return v, err
}

func affected(tag pgconn.CommandTag, err error, entity, id string) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(entity, id)
	}
	return nil
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func marshalHistory(h []domain.StatusEntry) ([]byte, error) {
	if h == nil {
		h = []domain.StatusEntry{}
	}
	return json.Marshal(h)
}

func unmarshalInto(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
