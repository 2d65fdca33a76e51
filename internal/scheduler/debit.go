package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
)

// Debits executes debits whose pre-debit notification was acknowledged.
type Debits struct {
	Store     domain.Store
	Gateways  *gateway.Registry
	Queue     Enqueuer
	BatchSize int
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Scan enqueues one debit job per mandate whose latest notification reached
// SUCCESS and whose debit time has come.
func (s *Debits) Scan(ctx context.Context) (ScanResult, error) {
	now := clock(s.Now)
	limit := batchSize(s.BatchSize, 500)
	repos := s.Store.Repos()

	var (
		res   ScanResult
		after string
	)
	for {
		ready, err := repos.Notifications.ListReadyForExecution(ctx, now, after, limit)
		if err != nil {
			return res, fmt.Errorf("scheduler: list ready notifications: %w", err)
		}
		if len(ready) == 0 {
			break
		}
		after = ready[len(ready)-1].ID
		res.Scanned += len(ready)
		for _, n := range ready {
			ok, err := s.enqueue(ctx, repos, n)
			switch {
			case err != nil:
				res.Failed++
				s.Logger.Warn().Err(err).Str("notification_id", n.ID).Msg("debit_enqueue_failed")
			case ok:
				res.Enqueued++
			default:
				res.Skipped++
			}
		}
		if len(ready) < limit {
			break
		}
	}
	obs.ObserveEnqueued("debit", "enqueued", res.Enqueued)
	obs.ObserveEnqueued("debit", "skipped", res.Skipped)
	obs.ObserveEnqueued("debit", "failed", res.Failed)
	s.Logger.Info().Int("scanned", res.Scanned).Int("enqueued", res.Enqueued).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("debit_scan_done")
	return res, nil
}

func (s *Debits) enqueue(ctx context.Context, repos domain.Repos, n domain.MandateNotification) (bool, error) {
	m, err := repos.Mandates.Get(ctx, n.MandateID)
	if err != nil {
		return false, err
	}
	if m.Status != domain.MandateActive {
		return false, nil
	}
	plan, err := repos.Plans.Get(ctx, m.PlanID)
	if err != nil {
		return false, err
	}
	job := DebitJob{
		MandateID:      m.ID,
		PgMandateID:    m.PgMandateID,
		NotificationID: n.ID,
		Amount:         plan.NetAmount,
	}
	sub, err := repos.Subscriptions.LatestForMandate(ctx, m.ID)
	switch {
	case err == nil:
		job.UserSubscriptionID = sub.ID
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}
	task, err := newTask(KindDebit, "debit:"+n.ID, job)
	if err != nil {
		return false, err
	}
	return true, s.Queue.Enqueue(ctx, task)
}

// Handle executes one DebitJob. Once the PSP accepted the request the
// notification is closed and the sequence advances, whatever the eventual
// debit outcome; that arrives through the execute webhook.
func (s *Debits) Handle(ctx context.Context, t queue.Task) error {
	job, err := decode[DebitJob](t)
	if err != nil {
		return err
	}
	repos := s.Store.Repos()
	log := s.Logger.With().Str("mandate_id", job.MandateID).Str("notification_id", job.NotificationID).Logger()

	n, err := repos.Notifications.Get(ctx, job.NotificationID)
	if err != nil {
		return jobError(err)
	}
	if n.Status != domain.NotificationSuccess {
		log.Info().Str("status", string(n.Status)).Msg("debit_skipped")
		return nil
	}
	m, err := repos.Mandates.Get(ctx, n.MandateID)
	if err != nil {
		return jobError(err)
	}
	if m.Status != domain.MandateActive {
		log.Info().Str("status", string(m.Status)).Msg("debit_skipped")
		return nil
	}
	adapter, err := s.Gateways.Get(m.PG)
	if err != nil {
		return jobError(err)
	}
	amount := job.Amount
	if amount <= 0 {
		amount = n.Amount
	}
	res, err := adapter.ExecuteMandate(ctx, gateway.ExecuteRequest{
		MandateID:        m.ID,
		PgMandateID:      m.PgMandateID,
		MerchantTxnID:    fmt.Sprintf("%s-%d", m.ID, n.SequenceNumber),
		PgNotificationID: n.PgNotificationID,
		Amount:           amount,
		SequenceNumber:   n.SequenceNumber,
	})
	if err != nil {
		return jobError(err)
	}

	err = s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		n, err := r.Notifications.Get(ctx, job.NotificationID)
		if err != nil {
			return err
		}
		n.PgExecutionID = res.PgExecutionID
		n.SetStatus(domain.NotificationExecuted, clock(s.Now))
		if err := r.Notifications.Update(ctx, n); err != nil {
			return err
		}
		m, err := r.Mandates.Get(ctx, n.MandateID)
		if err != nil {
			return err
		}
		if m.SequenceNumber > n.SequenceNumber {
			return nil
		}
		return r.Mandates.SetSequenceNumber(ctx, m.ID, n.SequenceNumber+1)
	})
	if err != nil {
		return jobError(fmt.Errorf("scheduler: close debit cycle: %w", err))
	}
	log.Info().Str("pg_execution_id", res.PgExecutionID).Int64("amount", amount).
		Int("sequence_number", n.SequenceNumber).Msg("debit_executed")
	return nil
}
