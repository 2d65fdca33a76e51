package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-autopay/internal/config"
	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
)

// Notifications scans subscriptions approaching (or past) their endAt and
// sends the pre-debit notification that opens the next debit cycle.
type Notifications struct {
	Store    domain.Store
	Gateways *gateway.Registry
	Queue    Enqueuer
	Updater  StatusUpdater
	Config   config.Scheduler
	Logger   zerolog.Logger
	Now      func() time.Time
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Scanned  int
	Enqueued int
	Skipped  int
	Failed   int
}

// Scan pages through renewal candidates and enqueues one notify job per due
// subscription. Candidates are checked with bounded concurrency.
func (s *Notifications) Scan(ctx context.Context) (ScanResult, error) {
	now := clock(s.Now)
	window := RenewalWindow(s.Config, now)
	limit := batchSize(s.Config.NotifyBatchSize, 500)
	repos := s.Store.Repos()

	var (
		res   ScanResult
		after string
	)
	for {
		subs, err := repos.Subscriptions.ListRenewalCandidates(ctx, window, after, limit)
		if err != nil {
			return res, fmt.Errorf("scheduler: list renewal candidates: %w", err)
		}
		if len(subs) == 0 {
			break
		}
		after = subs[len(subs)-1].ID
		res.Scanned += len(subs)

		for start := 0; start < len(subs); start += fanoutBatch {
			end := min(start+fanoutBatch, len(subs))
			batch := s.fanout(ctx, repos, subs[start:end], now)
			res.Enqueued += batch.Enqueued
			res.Skipped += batch.Skipped
			res.Failed += batch.Failed
			obs.ObserveEnqueued("notification", "enqueued", batch.Enqueued)
			obs.ObserveEnqueued("notification", "skipped", batch.Skipped)
			obs.ObserveEnqueued("notification", "failed", batch.Failed)
			s.Logger.Debug().Int("batch", start/fanoutBatch).Int("enqueued", batch.Enqueued).
				Int("skipped", batch.Skipped).Int("failed", batch.Failed).Msg("notification_batch_done")
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(subs) < limit {
			break
		}
	}
	s.Logger.Info().Int("scanned", res.Scanned).Int("enqueued", res.Enqueued).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("notification_scan_done")
	return res, nil
}

func (s *Notifications) fanout(ctx context.Context, repos domain.Repos, subs []domain.UserSubscription, now time.Time) ScanResult {
	var enqueued, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Config.FanoutConcurrency, 1))
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			ok, err := s.enqueue(gctx, repos, sub, now)
			switch {
			case err != nil:
				failed.Add(1)
				s.Logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("notification_enqueue_failed")
			case ok:
				enqueued.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ScanResult{Enqueued: int(enqueued.Load()), Skipped: int(skipped.Load()), Failed: int(failed.Load())}
}

func (s *Notifications) enqueue(ctx context.Context, repos domain.Repos, sub domain.UserSubscription, now time.Time) (bool, error) {
	if !CadenceDue(s.Config, sub.EndAt, now) {
		return false, nil
	}
	m, err := repos.Mandates.Get(ctx, sub.MandateID)
	if err != nil {
		return false, err
	}
	if m.Status != domain.MandateActive {
		return false, nil
	}
	due, err := s.due(ctx, repos, m.ID, now)
	if err != nil || !due {
		return false, err
	}
	task, err := newTask(KindNotify, fmt.Sprintf("notify:%s:%d:%s", m.ID, m.SequenceNumber, now.UTC().Format("20060102")), NotifyJob{
		MandateID:      m.ID,
		PlanID:         sub.PlanID,
		StartAt:        sub.StartAt,
		EndAt:          sub.EndAt,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
	})
	if err != nil {
		return false, err
	}
	if err := s.Queue.Enqueue(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Notifications) due(ctx context.Context, repos domain.Repos, mandateID string, now time.Time) (bool, error) {
	latest, err := repos.Notifications.LatestForMandate(ctx, mandateID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return ShouldNotify(&latest, now, s.Config.RetryAfterDays), nil
}

// Handle sends the pre-debit notification for one NotifyJob. A sequence
// mismatch has already been healed by the adapter; the next scan retries
// with the corrected number.
func (s *Notifications) Handle(ctx context.Context, t queue.Task) error {
	job, err := decode[NotifyJob](t)
	if err != nil {
		return err
	}
	now := clock(s.Now)
	repos := s.Store.Repos()
	log := s.Logger.With().Str("mandate_id", job.MandateID).Str("subscription_id", job.SubscriptionID).Logger()

	m, err := repos.Mandates.Get(ctx, job.MandateID)
	if err != nil {
		return jobError(err)
	}
	if m.Status != domain.MandateActive {
		log.Info().Str("status", string(m.Status)).Msg("pre_debit_notify_skipped")
		return nil
	}
	due, err := s.due(ctx, repos, m.ID, now)
	if err != nil {
		return jobError(err)
	}
	if !due {
		return nil
	}
	plan, err := repos.Plans.Get(ctx, m.PlanID)
	if err != nil {
		return jobError(err)
	}
	adapter, err := s.Gateways.Get(m.PG)
	if err != nil {
		return jobError(err)
	}

	debitAt := job.EndAt
	if lead := now.Add(s.Config.PreDebitLeadTime); lead.After(debitAt) {
		debitAt = lead
	}
	n := domain.MandateNotification{
		ID:             uuid.NewString(),
		MandateID:      m.ID,
		SequenceNumber: m.SequenceNumber,
		Amount:         plan.NetAmount,
		DebitAt:        debitAt,
		Status:         domain.NotificationSent,
		StatusHistory:  []domain.StatusEntry{{Status: string(domain.NotificationSent), At: now}},
	}
	res, err := adapter.SendPreDebitNotification(ctx, gateway.NotifyRequest{
		MandateID:              m.ID,
		PgMandateID:            m.PgMandateID,
		MerchantNotificationID: n.ID,
		Amount:                 n.Amount,
		SequenceNumber:         n.SequenceNumber,
		DebitAt:                n.DebitAt,
	})
	if errors.Is(err, domain.ErrSequenceMismatch) {
		log.Warn().Err(err).Int("sequence_number", n.SequenceNumber).Msg("pre_debit_sequence_corrected")
		return nil
	}
	if err != nil {
		return jobError(err)
	}
	n.PgNotificationID = res.PgNotificationID
	if err := repos.Notifications.Create(ctx, &n); err != nil {
		return fmt.Errorf("scheduler: record notification: %w", err)
	}
	log.Info().Str("notification_id", n.ID).Str("pg_notification_id", n.PgNotificationID).
		Int("sequence_number", n.SequenceNumber).Time("debit_at", n.DebitAt).Msg("pre_debit_notified")

	if res.Status != gateway.StatusInitiated && s.Updater != nil {
		return jobError(s.Updater.UpdateNotificationStatus(ctx, n.PgNotificationID, res.Status, ""))
	}
	return nil
}
