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

// HandleActivation applies a mandate-create webhook. Replays of the same PSP
// transaction are ignored.
func (s *Service) HandleActivation(ctx context.Context, ev gateway.Event, payloadID string) error {
	ctx, span := s.start(ctx, "HandleActivation", attribute.String("mandate.id", ev.MandateID), attribute.String("pg.txn_id", ev.PgTxnID))
	defer span.End()

	var fx effects
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Mandates.Get(ctx, ev.MandateID)
		if err != nil {
			return err
		}
		ref := txnRef(ev)
		if dup, err := s.seenTxn(ctx, r, m.ID, ref); err != nil || dup {
			return err
		}
		txn := domain.MandateTransaction{
			MandateID:      m.ID,
			PgTxnID:        ref,
			PaymentID:      ev.PaymentID,
			Amount:         ev.Amount,
			SequenceNumber: ev.SequenceNumber,
			RawPayloadID:   payloadID,
		}
		if txn.Amount == 0 {
			txn.Amount = m.CreationAmount
		}

		if ev.Type.Status == gateway.StatusFailed {
			txn.Status = domain.TxnFailed
			if err := r.Transactions.Create(ctx, &txn); err != nil {
				return fmt.Errorf("mandate: record failed activation: %w", err)
			}
			if err := s.transition(ctx, r, &m, domain.MandateFailed, "activation_failed", &fx); err != nil {
				return err
			}
			s.afterCommit(&fx, s.notifyFn(m, notify.KeyTrialFailed, map[string]any{"reason": ev.Detail}))
			s.afterCommit(&fx, s.emitFn(events.Event{
				Type:       events.MandateFailed,
				UserID:     m.UserID,
				MandateID:  m.ID,
				Amount:     txn.Amount,
				Properties: map[string]any{"detail": ev.Detail},
			}))
			return nil
		}

		plan, err := r.Plans.Get(ctx, m.PlanID)
		if err != nil {
			return err
		}
		txn.Status = domain.TxnSuccess
		if err := r.Transactions.Create(ctx, &txn); err != nil {
			return fmt.Errorf("mandate: record activation: %w", err)
		}
		if ev.PgMandateID != "" {
			m.PgMandateID = ev.PgMandateID
		}
		if ev.UMN != "" {
			m.UMN = ev.UMN
		}
		if ev.SequenceNumber >= m.SequenceNumber {
			m.SequenceNumber = ev.SequenceNumber + 1
		}
		if err := r.Mandates.Update(ctx, m); err != nil {
			return fmt.Errorf("mandate: update %s: %w", m.ID, err)
		}
		if err := s.transition(ctx, r, &m, domain.MandateActive, "activated", &fx); err != nil {
			return err
		}
		if err := s.supersedePrevious(ctx, r, m, &fx); err != nil {
			return err
		}

		sub, created, err := s.Subscriptions.Activate(ctx, r.Subscriptions, subscription.Activation{
			UserID:    m.UserID,
			MandateID: m.ID,
			Plan:      plan,
			Trial:     m.TrialEligible,
			TxnID:     txn.ID,
		})
		if err != nil {
			return err
		}
		s.afterCommit(&fx, s.scheduleExpiryFn(sub))
		evType := events.SubscriptionRenewed
		if created && sub.Trial != nil {
			evType = events.TrialActivated
		}
		s.afterCommit(&fx, s.emitFn(events.Event{
			Type:           evType,
			UserID:         m.UserID,
			MandateID:      m.ID,
			SubscriptionID: sub.ID,
			Amount:         txn.Amount,
			Properties:     map[string]any{"endAt": sub.EndAt, "created": created},
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

// supersedePrevious terminalizes the user's previous mandate once a newer one
// activates, unless the previous one is still ACTIVE.
func (s *Service) supersedePrevious(ctx context.Context, r domain.Repos, current domain.Mandate, fx *effects) error {
	mandates, err := r.Mandates.ListByUser(ctx, current.UserID)
	if err != nil {
		return err
	}
	for _, listed := range mandates {
		if listed.ID == current.ID {
			continue
		}
		prev, err := r.Mandates.Get(ctx, listed.ID)
		if err != nil {
			return err
		}
		if prev.Status == domain.MandateActive || !domain.CanTransition(prev.Status, domain.MandateCancelledAndStartedAnew) {
			return nil
		}
		return s.transition(ctx, r, &prev, domain.MandateCancelledAndStartedAnew, "superseded_by:"+current.ID, fx)
	}
	return nil
}

// HandleDebit applies a mandate-execute webhook. Only renewal debits extend
// the subscription; a failed debit only records the transaction.
func (s *Service) HandleDebit(ctx context.Context, ev gateway.Event, payloadID string) error {
	ctx, span := s.start(ctx, "HandleDebit", attribute.String("mandate.id", ev.MandateID), attribute.String("pg.txn_id", ev.PgTxnID))
	defer span.End()

	var fx effects
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		m, err := r.Mandates.Get(ctx, ev.MandateID)
		if err != nil {
			return err
		}
		ref := txnRef(ev)
		if dup, err := s.seenTxn(ctx, r, m.ID, ref); err != nil || dup {
			return err
		}
		plan, err := r.Plans.Get(ctx, m.PlanID)
		if err != nil {
			return err
		}
		txn := domain.MandateTransaction{
			MandateID:      m.ID,
			PgTxnID:        ref,
			PaymentID:      ev.PaymentID,
			Amount:         ev.Amount,
			SequenceNumber: ev.SequenceNumber,
			Status:         domain.TxnSuccess,
			RawPayloadID:   payloadID,
		}
		if txn.Amount == 0 {
			txn.Amount = plan.NetAmount
		}
		if ev.Type.Status == gateway.StatusFailed {
			txn.Status = domain.TxnFailed
		}
		if err := r.Transactions.Create(ctx, &txn); err != nil {
			return fmt.Errorf("mandate: record debit: %w", err)
		}
		if txn.Status == domain.TxnFailed {
			s.afterCommit(&fx, func(context.Context) {
				s.Logger.Warn().Str("mandate_id", m.ID).Str("pg_txn_id", ref).Str("detail", ev.Detail).Msg("mandate_debit_failed")
			})
			return nil
		}
		if subscription.IsFirstExecution(ev.SequenceNumber, plan) {
			return nil
		}

		sub, err := r.Subscriptions.LatestForMandate(ctx, m.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			sub, _, err = s.Subscriptions.Activate(ctx, r.Subscriptions, subscription.Activation{
				UserID:    m.UserID,
				MandateID: m.ID,
				Plan:      plan,
				TxnID:     txn.ID,
			})
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := s.Subscriptions.Renew(ctx, r.Subscriptions, &sub, plan, txn.ID); err != nil {
				return err
			}
		}
		s.afterCommit(&fx, s.scheduleExpiryFn(sub))
		s.afterCommit(&fx, s.notifyFn(m, notify.KeyRenewalSuccess, map[string]any{"amount": txn.Amount, "endAt": sub.EndAt}))
		s.afterCommit(&fx, s.emitFn(events.Event{
			Type:           events.SubscriptionRenewed,
			UserID:         m.UserID,
			MandateID:      m.ID,
			SubscriptionID: sub.ID,
			Amount:         txn.Amount,
			Properties:     map[string]any{"endAt": sub.EndAt, "sequenceNumber": ev.SequenceNumber},
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

func (s *Service) seenTxn(ctx context.Context, r domain.Repos, mandateID, pgTxnID string) (bool, error) {
	_, err := r.Transactions.FindByPgTxnID(ctx, mandateID, pgTxnID)
	switch {
	case err == nil:
		s.Logger.Debug().Str("mandate_id", mandateID).Str("pg_txn_id", pgTxnID).Msg("duplicate_transaction_ignored")
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
