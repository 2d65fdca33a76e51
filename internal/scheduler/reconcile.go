package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/queue"
)

// Reconciler polls the PSP for notifications whose webhook never arrived.
type Reconciler struct {
	Store      domain.Store
	Gateways   *gateway.Registry
	Queue      Enqueuer
	Updater    StatusUpdater
	StaleAfter time.Duration
	BatchSize  int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Scan enqueues a status check for every SENT or PENDING notification not
// updated within StaleAfter.
func (s *Reconciler) Scan(ctx context.Context) (ScanResult, error) {
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	olderThan := clock(s.Now).Add(-staleAfter)
	limit := batchSize(s.BatchSize, 200)
	repos := s.Store.Repos()

	var (
		res   ScanResult
		after string
	)
	for {
		stale, err := repos.Notifications.ListStale(ctx, olderThan, after, limit)
		if err != nil {
			return res, fmt.Errorf("scheduler: list stale notifications: %w", err)
		}
		if len(stale) == 0 {
			break
		}
		after = stale[len(stale)-1].ID
		res.Scanned += len(stale)
		for _, n := range stale {
			if err := s.enqueue(ctx, repos, n); err != nil {
				res.Failed++
				s.Logger.Warn().Err(err).Str("notification_id", n.ID).Msg("status_check_enqueue_failed")
				continue
			}
			res.Enqueued++
		}
		if len(stale) < limit {
			break
		}
	}
	obs.ObserveEnqueued("reconcile", "enqueued", res.Enqueued)
	obs.ObserveEnqueued("reconcile", "failed", res.Failed)
	s.Logger.Info().Int("scanned", res.Scanned).Int("enqueued", res.Enqueued).Int("failed", res.Failed).Msg("reconcile_scan_done")
	return res, nil
}

func (s *Reconciler) enqueue(ctx context.Context, repos domain.Repos, n domain.MandateNotification) error {
	if n.PgNotificationID == "" {
		return fmt.Errorf("notification %s has no PSP id", n.ID)
	}
	m, err := repos.Mandates.Get(ctx, n.MandateID)
	if err != nil {
		return err
	}
	task, err := newTask(KindStatus, "status:"+n.PgNotificationID, StatusJob{
		PG:               m.PG,
		PgMandateID:      m.PgMandateID,
		PgNotificationID: n.PgNotificationID,
	})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(ctx, task)
}

// Handle polls one notification and hands a resolved status to the updater.
// A still-initiated answer leaves the notification for the next scan.
func (s *Reconciler) Handle(ctx context.Context, t queue.Task) error {
	job, err := decode[StatusJob](t)
	if err != nil {
		return err
	}
	adapter, err := s.Gateways.Get(job.PG)
	if err != nil {
		return jobError(err)
	}
	res, err := adapter.CheckNotificationStatus(ctx, gateway.StatusRequest{
		PgMandateID:      job.PgMandateID,
		PgNotificationID: job.PgNotificationID,
	})
	if err != nil {
		return jobError(err)
	}
	log := s.Logger.With().Str("pg_notification_id", job.PgNotificationID).Str("status", string(res.Status)).Logger()
	if res.Status == gateway.StatusInitiated {
		log.Debug().Msg("notification_still_pending")
		return nil
	}
	if err := s.Updater.UpdateNotificationStatus(ctx, job.PgNotificationID, res.Status, ""); err != nil {
		return jobError(err)
	}
	log.Info().Str("detail", res.Detail).Msg("notification_reconciled")
	return nil
}
