package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

const transactionColumns = `id, mandate_id, pg_txn_id, payment_id, amount, sequence_number, status, raw_payload_id, created_at, updated_at`

type transactionRepo struct{ base }

func (r transactionRepo) Create(ctx context.Context, t *domain.MandateTransaction) error {
	t.ID = newID(t.ID)
	now := r.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.q.Exec(ctx, `INSERT INTO mandate_transactions (`+transactionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.MandateID, t.PgTxnID, t.PaymentID, t.Amount, t.SequenceNumber, string(t.Status), t.RawPayloadID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert transaction: %w", err)
	}
	return nil
}

func (r transactionRepo) FindByPgTxnID(ctx context.Context, mandateID, pgTxnID string) (domain.MandateTransaction, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+transactionColumns+` FROM mandate_transactions
WHERE mandate_id = $1 AND pg_txn_id = $2`), mandateID, pgTxnID)
	return one(rows, err, scanTransaction, "transaction", pgTxnID)
}

func (r transactionRepo) FindByPaymentID(ctx context.Context, paymentID string) (domain.MandateTransaction, error) {
	if paymentID == "" {
		return domain.MandateTransaction{}, domain.NotFound("transaction for payment", paymentID)
	}
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+transactionColumns+` FROM mandate_transactions
WHERE payment_id = $1 AND payment_id <> '' ORDER BY created_at DESC, seq DESC LIMIT 1`), paymentID)
	return one(rows, err, scanTransaction, "transaction for payment", paymentID)
}

func (r transactionRepo) Update(ctx context.Context, t domain.MandateTransaction) error {
	tag, err := r.q.Exec(ctx, `UPDATE mandate_transactions SET payment_id = $2, amount = $3, sequence_number = $4, status = $5,
	raw_payload_id = $6, updated_at = $7 WHERE id = $1`,
		t.ID, t.PaymentID, t.Amount, t.SequenceNumber, string(t.Status), t.RawPayloadID, r.now())
	return affected(tag, err, "transaction", t.ID)
}

// CountSuccessfulByUser counts captured debits across all of the user's
// mandates. Refunded debits still count as consumed trials.
func (r transactionRepo) CountSuccessfulByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT count(*) FROM mandate_transactions t JOIN mandates m ON m.id = t.mandate_id
WHERE m.user_id = $1 AND t.status IN ($2, $3)`, userID, string(domain.TxnSuccess), string(domain.TxnRefunded)).Scan(&n)
	return n, err
}

func scanTransaction(row pgx.CollectableRow) (domain.MandateTransaction, error) {
	var (
		t      domain.MandateTransaction
		status string
	)
	err := row.Scan(&t.ID, &t.MandateID, &t.PgTxnID, &t.PaymentID, &t.Amount, &t.SequenceNumber, &status, &t.RawPayloadID,
		&t.CreatedAt, &t.UpdatedAt)
	t.Status = domain.TxnStatus(status)
	return t, err
}

const notificationColumns = `id, mandate_id, pg_notification_id, pg_execution_id, sequence_number, amount, debit_at, status,
	status_history, raw_payload_id, created_at, updated_at`

type notificationRepo struct{ base }

func (r notificationRepo) Create(ctx context.Context, n *domain.MandateNotification) error {
	n.ID = newID(n.ID)
	now := r.now()
	n.CreatedAt, n.UpdatedAt = now, now
	history, err := marshalHistory(n.StatusHistory)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO mandate_notifications (`+notificationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.MandateID, n.PgNotificationID, n.PgExecutionID, n.SequenceNumber, n.Amount, n.DebitAt, string(n.Status),
		history, n.RawPayloadID, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert notification: %w", err)
	}
	return nil
}

func (r notificationRepo) Get(ctx context.Context, id string) (domain.MandateNotification, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+notificationColumns+` FROM mandate_notifications WHERE id = $1`), id)
	return one(rows, err, scanNotification, "notification", id)
}

func (r notificationRepo) FindByPgNotificationID(ctx context.Context, pgNotificationID string) (domain.MandateNotification, error) {
	if pgNotificationID == "" {
		return domain.MandateNotification{}, domain.NotFound("notification", pgNotificationID)
	}
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+notificationColumns+` FROM mandate_notifications
WHERE pg_notification_id = $1 AND pg_notification_id <> ''`), pgNotificationID)
	return one(rows, err, scanNotification, "notification", pgNotificationID)
}

func (r notificationRepo) LatestForMandate(ctx context.Context, mandateID string) (domain.MandateNotification, error) {
	rows, err := r.q.Query(ctx, `SELECT `+notificationColumns+` FROM mandate_notifications
WHERE mandate_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`, mandateID)
	return one(rows, err, scanNotification, "notification for mandate", mandateID)
}

func (r notificationRepo) Update(ctx context.Context, n domain.MandateNotification) error {
	history, err := marshalHistory(n.StatusHistory)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `UPDATE mandate_notifications SET pg_notification_id = $2, pg_execution_id = $3, sequence_number = $4,
	amount = $5, debit_at = $6, status = $7, status_history = $8, raw_payload_id = $9, updated_at = $10 WHERE id = $1`,
		n.ID, n.PgNotificationID, n.PgExecutionID, n.SequenceNumber, n.Amount, n.DebitAt, string(n.Status), history,
		n.RawPayloadID, updatedAt(n.UpdatedAt, r.now()))
	return affected(tag, err, "notification", n.ID)
}

func (r notificationRepo) ListReadyForExecution(ctx context.Context, dueBefore time.Time, afterID string, limit int) ([]domain.MandateNotification, error) {
	rows, err := r.q.Query(ctx, `SELECT `+notificationColumns+` FROM mandate_notifications n
WHERE n.status = $1 AND n.debit_at <= $2 AND n.id > $3
	AND NOT EXISTS (
		SELECT 1 FROM mandate_notifications newer
		WHERE newer.mandate_id = n.mandate_id
			AND (newer.created_at, newer.seq) > (n.created_at, n.seq)
	)
ORDER BY n.id LIMIT $4`, string(domain.NotificationSuccess), dueBefore, afterID, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNotification)
}

func (r notificationRepo) ListStale(ctx context.Context, olderThan time.Time, afterID string, limit int) ([]domain.MandateNotification, error) {
	rows, err := r.q.Query(ctx, `SELECT `+notificationColumns+` FROM mandate_notifications
WHERE status IN ($1, $2) AND updated_at < $3 AND id > $4 ORDER BY id LIMIT $5`,
		string(domain.NotificationSent), string(domain.NotificationPending), olderThan, afterID, pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanNotification)
}

func scanNotification(row pgx.CollectableRow) (domain.MandateNotification, error) {
	var (
		n       domain.MandateNotification
		status  string
		history []byte
	)
	if err := row.Scan(&n.ID, &n.MandateID, &n.PgNotificationID, &n.PgExecutionID, &n.SequenceNumber, &n.Amount, &n.DebitAt,
		&status, &history, &n.RawPayloadID, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return domain.MandateNotification{}, err
	}
	n.Status = domain.NotificationStatus(status)
	if err := unmarshalInto(history, &n.StatusHistory); err != nil {
		return domain.MandateNotification{}, fmt.Errorf("postgres: notification %s history: %w", n.ID, err)
	}
	return n, nil
}

const refundColumns = `id, mandate_id, transaction_id, pg_refund_id, amount, initiator, status, status_history, raw_payload_id,
	created_at, updated_at`

type refundRepo struct{ base }

func (r refundRepo) Create(ctx context.Context, rf *domain.MandateRefund) error {
	rf.ID = newID(rf.ID)
	now := r.now()
	rf.CreatedAt, rf.UpdatedAt = now, now
	history, err := marshalHistory(rf.StatusHistory)
	if err != nil {
		return err
	}
	_, err = r.q.Exec(ctx, `INSERT INTO mandate_refunds (`+refundColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rf.ID, rf.MandateID, rf.TransactionID, rf.PgRefundID, rf.Amount, string(rf.Initiator), string(rf.Status), history,
		rf.RawPayloadID, rf.CreatedAt, rf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert refund: %w", err)
	}
	return nil
}

func (r refundRepo) FindByTransactionID(ctx context.Context, transactionID string) (domain.MandateRefund, error) {
	rows, err := r.q.Query(ctx, r.forUpdate(`SELECT `+refundColumns+` FROM mandate_refunds WHERE transaction_id = $1`), transactionID)
	return one(rows, err, scanRefund, "refund for transaction", transactionID)
}

func (r refundRepo) Update(ctx context.Context, rf domain.MandateRefund) error {
	history, err := marshalHistory(rf.StatusHistory)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `UPDATE mandate_refunds SET pg_refund_id = $2, amount = $3, initiator = $4, status = $5,
	status_history = $6, raw_payload_id = $7, updated_at = $8 WHERE id = $1`,
		rf.ID, rf.PgRefundID, rf.Amount, string(rf.Initiator), string(rf.Status), history, rf.RawPayloadID, r.now())
	return affected(tag, err, "refund", rf.ID)
}

func scanRefund(row pgx.CollectableRow) (domain.MandateRefund, error) {
	var (
		rf        domain.MandateRefund
		initiator string
		status    string
		history   []byte
	)
	if err := row.Scan(&rf.ID, &rf.MandateID, &rf.TransactionID, &rf.PgRefundID, &rf.Amount, &initiator, &status, &history,
		&rf.RawPayloadID, &rf.CreatedAt, &rf.UpdatedAt); err != nil {
		return domain.MandateRefund{}, err
	}
	rf.Initiator = domain.RefundInitiator(initiator)
	rf.Status = domain.RefundStatus(status)
	if err := unmarshalInto(history, &rf.StatusHistory); err != nil {
		return domain.MandateRefund{}, fmt.Errorf("postgres: refund %s history: %w", rf.ID, err)
	}
	return rf, nil
}

// updatedAt keeps a caller-supplied timestamp; the stale scan compares
// against the time of the last status change.
func updatedAt(set, now time.Time) time.Time {
	if set.IsZero() {
		return now
	}
	return set
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}
