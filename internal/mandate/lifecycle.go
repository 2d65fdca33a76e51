package mandate

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/subscription"
)

// HandlePause applies a PSP pause webhook.
func (s *Service) HandlePause(ctx context.Context, ev gateway.Event) error {
	return s.pspTransition(ctx, ev, domain.MandatePausedPSP, events.MandatePaused)
}

// HandleResume applies a PSP unpause webhook.
func (s *Service) HandleResume(ctx context.Context, ev gateway.Event) error {
	return s.pspTransition(ctx, ev, domain.MandateActive, events.MandateResumed)
}

// HandleRevoke applies a PSP revoke webhook.
func (s *Service) HandleRevoke(ctx context.Context, ev gateway.Event) error {
	return s.pspTransition(ctx, ev, domain.MandateRevokedPSP, events.MandateRevoked)
}

// pspTransition moves the mandate only while the user's current subscription
// still points at it. Inside the trial window the subscription follows the
// mandate; paying users keep access until endAt.
func (s *Service) pspTransition(ctx context.Context, ev gateway.Event, to domain.MandateStatus, evType events.Type) error {
	ctx, span := s.start(ctx, "PSPTransition", attribute.String("mandate.id", ev.MandateID), attribute.String("mandate.to", string(to)))
	defer span.End()

	var fx effects
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Mandates.Get(ctx, ev.MandateID)
		if err != nil {
			return err
		}
		sub, err := r.Subscriptions.CurrentForUser(ctx, m.UserID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err != nil || sub.MandateID != m.ID {
			return fmt.Errorf("%w: update failed: mandate %s is not the current mandate of user %s", domain.ErrInvalidState, m.ID, m.UserID)
		}
		if m.Status == to {
			return nil
		}
		if err := s.transition(ctx, r, &m, to, "psp_"+string(ev.Type.Operation), &fx); err != nil {
			return err
		}
		if subscription.InTrial(sub, s.now()) {
			if to == domain.MandateActive {
				if err := s.Subscriptions.Resume(ctx, r.Subscriptions, &sub, "mandate_resumed"); err != nil {
					return err
				}
				s.afterCommit(&fx, s.scheduleExpiryFn(sub))
			} else {
				if err := s.Subscriptions.Cancel(ctx, r.Subscriptions, &sub, "mandate_"+string(ev.Type.Operation)); err != nil {
					return err
				}
				id := sub.ID
				s.afterCommit(&fx, func(ctx context.Context) { s.cancelExpiry(ctx, id) })
			}
		}
		s.afterCommit(&fx, s.emitFn(events.Event{
			Type:           evType,
			UserID:         m.UserID,
			MandateID:      m.ID,
			SubscriptionID: sub.ID,
			Properties:     map[string]any{"initiator": "psp"},
		}))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	fx.run(ctx)
	return nil
}

// HandleRefund applies a refund webhook. Refunds are located through the
// payment id of the original transaction and reuse an existing refund row.
func (s *Service) HandleRefund(ctx context.Context, ev gateway.Event, payloadID string) error {
	ctx, span := s.start(ctx, "HandleRefund", attribute.String("payment.id", ev.PaymentID))
	defer span.End()

	var fx effects
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		txn, err := r.Transactions.FindByPaymentID(ctx, ev.PaymentID)
		if err != nil {
			return err
		}
		now := s.now()
		status := refundStatus(ev.Type.Status)

		refund, err := r.Refunds.FindByTransactionID(ctx, txn.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			refund = domain.MandateRefund{
				MandateID:     txn.MandateID,
				TransactionID: txn.ID,
				PgRefundID:    ev.PgRefundID,
				Amount:        ev.Amount,
				Initiator:     ev.Initiator,
				Status:        status,
				StatusHistory: []domain.StatusEntry{{Status: string(status), At: now}},
				RawPayloadID:  payloadID,
			}
			if refund.Amount == 0 {
				refund.Amount = txn.Amount
			}
			if err := r.Refunds.Create(ctx, &refund); err != nil {
				return fmt.Errorf("mandate: create refund: %w", err)
			}
		case err != nil:
			return err
		case refund.Status != status && refund.Status != domain.RefundSuccess:
			refund.Status = status
			refund.StatusHistory = append(refund.StatusHistory, domain.StatusEntry{Status: string(status), At: now})
			if ev.PgRefundID != "" {
				refund.PgRefundID = ev.PgRefundID
			}
			refund.RawPayloadID = payloadID
			if err := r.Refunds.Update(ctx, refund); err != nil {
				return fmt.Errorf("mandate: update refund: %w", err)
			}
		}

		if refund.Status != domain.RefundSuccess || txn.Status == domain.TxnRefunded {
			return nil
		}
		txn.Status = domain.TxnRefunded
		if err := r.Transactions.Update(ctx, txn); err != nil {
			return fmt.Errorf("mandate: mark refunded: %w", err)
		}
		m, err := r.Mandates.Get(ctx, txn.MandateID)
		if err != nil {
			return err
		}
		s.afterCommit(&fx, s.emitFn(events.Event{
			Type:       events.RefundProcessed,
			UserID:     m.UserID,
			MandateID:  m.ID,
			Amount:     refund.Amount,
			Properties: map[string]any{"initiator": string(refund.Initiator), "transactionId": txn.ID},
		}))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	fx.run(ctx)
	return nil
}

func refundStatus(st gateway.Status) domain.RefundStatus {
	switch st {
	case gateway.StatusSuccess:
		return domain.RefundSuccess
	case gateway.StatusFailed:
		return domain.RefundFailed
	default:
		return domain.RefundInitiated
	}
}

// UpdateNotificationStatus advances a pre-debit notification. A failure
// burns the sequence number so the next cycle starts fresh; a success tells
// the user a debit is coming. Executed notifications are left alone.
func (s *Service) UpdateNotificationStatus(ctx context.Context, pgNotificationID string, st gateway.Status, payloadID string) error {
	ctx, span := s.start(ctx, "UpdateNotificationStatus", attribute.String("pg.notification_id", pgNotificationID))
	defer span.End()

	var fx effects
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		n, err := r.Notifications.FindByPgNotificationID(ctx, pgNotificationID)
		if err != nil {
			return err
		}
		if n.Status == domain.NotificationExecuted {
			return nil
		}
		target := notificationStatus(st)
		if !n.SetStatus(target, s.now()) {
			return nil
		}
		if payloadID != "" {
			n.RawPayloadID = payloadID
		}
		if err := r.Notifications.Update(ctx, n); err != nil {
			return fmt.Errorf("mandate: update notification: %w", err)
		}
		m, err := r.Mandates.Get(ctx, n.MandateID)
		if err != nil {
			return err
		}
		switch target {
		case domain.NotificationFailed:
			if err := r.Mandates.SetSequenceNumber(ctx, m.ID, m.SequenceNumber+1); err != nil {
				return err
			}
			s.afterCommit(&fx, func(context.Context) {
				s.Logger.Info().Str("mandate_id", m.ID).Int("sequence_number", m.SequenceNumber+1).Msg("notification_failed_sequence_advanced")
			})
		case domain.NotificationSuccess:
			key := notify.KeyUpcomingRenewal
			sub, err := r.Subscriptions.LatestForMandate(ctx, m.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if err == nil && subscription.InTrial(sub, s.now()) {
				key = notify.KeyTrialConversion
			}
			s.afterCommit(&fx, s.notifyFn(m, key, map[string]any{"amount": n.Amount, "debitAt": n.DebitAt}))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	fx.run(ctx)
	return nil
}

func notificationStatus(st gateway.Status) domain.NotificationStatus {
	switch st {
	case gateway.StatusSuccess:
		return domain.NotificationSuccess
	case gateway.StatusFailed:
		return domain.NotificationFailed
	default:
		return domain.NotificationPending
	}
}
