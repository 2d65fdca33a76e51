// Package mandate orchestrates the mandate lifecycle: creation, PSP-driven
// transitions, user pause/resume, refunds and notification status.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/events"
	"github.com/noah-isme/backend-autopay/internal/gateway"
	"github.com/noah-isme/backend-autopay/internal/notify"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/subscription"
)

// Notifier hands user notifications to the delivery pipeline.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// Service owns every Mandate, Transaction, Notification and Refund
// transition. Each operation runs in one Store transaction; side effects
// (notifications, analytics, expiry scheduling) run after commit.
type Service struct {
	Store         domain.Store
	Gateways      *gateway.Registry
	Subscriptions subscription.Manager
	Expiry        *subscription.ExpiryWatcher
	Notifier      Notifier
	Events        *events.Bus
	ValidityYears int
	Logger        zerolog.Logger
	Now           func() time.Time
}

// CreateRequest is the create-mandate command.
type CreateRequest struct {
	UserID   string
	PlanID   string
	PG       domain.PG
	Metadata domain.Metadata
}

// CreateResult is returned to the client to launch the UPI app.
type CreateResult struct {
	Mandate   domain.Mandate
	IntentURL string
}

// CreateMandate prices the first debit, registers the mandate with the PSP
// and stores it as INITIATED.
func (s *Service) CreateMandate(ctx context.Context, req CreateRequest) (CreateResult, error) {
	ctx, span := s.start(ctx, "CreateMandate", attribute.String("user.id", req.UserID))
	defer span.End()

	adapter, err := s.Gateways.Get(req.PG)
	if err != nil {
		return CreateResult{}, err
	}
	repos := s.Store.Repos()
	plan, err := repos.Plans.Get(ctx, req.PlanID)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.ensureNoActiveMandate(ctx, repos, req.UserID); err != nil {
		return CreateResult{}, err
	}
	consumed, err := s.Subscriptions.TrialConsumed(ctx, repos, req.UserID)
	if err != nil {
		return CreateResult{}, err
	}
	pricing := subscription.FirstDebit(plan, consumed)

	now := s.now()
	years := s.ValidityYears
	if years <= 0 {
		years = 30
	}
	maxAmount := plan.MaxAmount
	if maxAmount < plan.NetAmount {
		maxAmount = plan.NetAmount
	}
	m := domain.Mandate{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		PlanID:         plan.ID,
		PG:             adapter.PG(),
		SequenceNumber: pricing.SequenceNumber,
		CreationAmount: pricing.Amount,
		MaxAmount:      maxAmount,
		TrialEligible:  pricing.TrialEligible,
		Status:         domain.MandateInitiated,
		StatusHistory:  []domain.StatusEntry{{Status: string(domain.MandateInitiated), At: now}},
		ExpiresAt:      now.AddDate(years, 0, 0),
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res, err := adapter.CreateMandate(ctx, gateway.CreateMandateRequest{
		MandateID: m.ID,
		UserID:    m.UserID,
		Amount:    m.CreationAmount,
		MaxAmount: m.MaxAmount,
		ExpiresAt: m.ExpiresAt,
		Metadata:  m.Metadata,
	})
	if err != nil {
		span.RecordError(err)
		return CreateResult{}, err
	}
	m.PgMandateID = res.PgMandateID
	if err := repos.Mandates.Create(ctx, &m); err != nil {
		return CreateResult{}, fmt.Errorf("mandate: create: %w", err)
	}
	s.Logger.Info().Str("mandate_id", m.ID).Str("user_id", m.UserID).Int64("amount", m.CreationAmount).
		Int("sequence_number", m.SequenceNumber).Msg("mandate_created")
	s.emit(ctx, events.Event{
		Type:      events.MandateCreated,
		UserID:    m.UserID,
		MandateID: m.ID,
		Amount:    m.CreationAmount,
		Properties: map[string]any{
			"pg":            string(m.PG),
			"planId":        m.PlanID,
			"trialEligible": m.TrialEligible,
		},
	})
	return CreateResult{Mandate: m, IntentURL: res.IntentURL}, nil
}

func (s *Service) ensureNoActiveMandate(ctx context.Context, r domain.Repos, userID string) error {
	mandates, err := r.Mandates.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range mandates {
		if m.Status != domain.MandateActive {
			continue
		}
		sub, err := r.Subscriptions.ActiveForUser(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: user already has active mandate %s (subscription %s)", domain.ErrInvalidState, m.ID, sub.ID)
	}
	return nil
}

// Toggle pauses an active mandate or resumes an app-paused one. Mandates the
// PSP paused can only be resumed by the PSP.
func (s *Service) Toggle(ctx context.Context, userID string) (domain.Mandate, error) {
	ctx, span := s.start(ctx, "Toggle", attribute.String("user.id", userID))
	defer span.End()

	var (
		out domain.Mandate
		fx  effects
	)
	err := s.Store.WithinTx(ctx, func(ctx context.Context, r domain.Repos) error {
		mandates, err := r.Mandates.ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(mandates) == 0 {
			return domain.NotFound("mandate for user", userID)
		}
		// the listing is unlocked; transition the locked row
		m, err := r.Mandates.Get(ctx, mandates[0].ID)
		if err != nil {
			return err
		}
		sub, err := r.Subscriptions.CurrentForUser(ctx, userID)
		if err != nil {
			return err
		}
		if sub.MandateID != m.ID {
			return fmt.Errorf("%w: update failed: subscription %s belongs to another mandate", domain.ErrInvalidState, sub.ID)
		}
		now := s.now()
		switch {
		case m.Status == domain.MandateActive:
			if sub.Status != domain.SubscriptionActive {
				return fmt.Errorf("%w: subscription %s is %s", domain.ErrInvalidState, sub.ID, sub.Status)
			}
			if err := s.transition(ctx, r, &m, domain.MandatePausedInApp, "user_toggle", &fx); err != nil {
				return err
			}
			if subscription.InTrial(sub, now) {
				if err := s.Subscriptions.Cancel(ctx, r.Subscriptions, &sub, "mandate_paused"); err != nil {
					return err
				}
				s.afterCommit(&fx, func(ctx context.Context) { s.cancelExpiry(ctx, sub.ID) })
			}
			s.afterCommit(&fx, s.emitFn(events.Event{Type: events.MandatePaused, UserID: m.UserID, MandateID: m.ID, Properties: map[string]any{"initiator": "user"}}))
		case m.Status.AppPaused():
			if err := s.transition(ctx, r, &m, domain.MandateActive, "user_toggle", &fx); err != nil {
				return err
			}
			if sub.Status == domain.SubscriptionCancelled && subscription.InTrial(sub, now) {
				if err := s.Subscriptions.Resume(ctx, r.Subscriptions, &sub, "mandate_resumed"); err != nil {
					return err
				}
				s.afterCommit(&fx, s.scheduleExpiryFn(sub))
			}
			s.afterCommit(&fx, s.emitFn(events.Event{Type: events.MandateResumed, UserID: m.UserID, MandateID: m.ID, Properties: map[string]any{"initiator": "user"}}))
		default:
			return fmt.Errorf("%w: mandate %s cannot be toggled from %s", domain.ErrInvalidState, m.ID, m.Status)
		}
		out = m
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Mandate{}, err
	}
	fx.run(ctx)
	return out, nil
}

// effects are deferred until the surrounding transaction committed.
type effects []func(context.Context)

func (fx effects) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range fx {
		f(ctx)
	}
}

func (s *Service) afterCommit(fx *effects, f func(context.Context)) {
	*fx = append(*fx, f)
}

// transition applies and persists a mandate state change. Re-applying the
// current status is a no-op.
func (s *Service) transition(ctx context.Context, r domain.Repos, m *domain.Mandate, to domain.MandateStatus, reason string, fx *effects) error {
	from := m.Status
	changed, err := m.Transition(to, s.now(), reason)
	if err != nil || !changed {
		return err
	}
	if err := r.Mandates.Update(ctx, *m); err != nil {
		return fmt.Errorf("mandate: update %s: %w", m.ID, err)
	}
	id := m.ID
	s.afterCommit(fx, func(context.Context) {
		obs.ObserveTransition(string(from), string(to))
		s.Logger.Info().Str("mandate_id", id).Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("mandate_transition")
	})
	return nil
}

func (s *Service) notifyFn(m domain.Mandate, key string, data map[string]any) func(context.Context) {
	return func(ctx context.Context) {
		if s.Notifier == nil {
			return
		}
		err := s.Notifier.Dispatch(ctx, notify.Message{
			Key:       key,
			UserID:    m.UserID,
			MandateID: m.ID,
			Target:    m.Metadata,
			Data:      data,
		})
		if err != nil {
			s.Logger.Warn().Err(err).Str("mandate_id", m.ID).Str("key", key).Msg("notification_dispatch_failed")
		}
	}
}

func (s *Service) emitFn(ev events.Event) func(context.Context) {
	return func(ctx context.Context) { s.emit(ctx, ev) }
}

func (s *Service) emit(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Emit(ctx, ev); err != nil {
		s.Logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("analytics_event_failed")
	}
}

func (s *Service) scheduleExpiryFn(sub domain.UserSubscription) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.Expiry.Schedule(ctx, sub); err != nil {
			s.Logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("expiry_schedule_failed")
		}
	}
}

func (s *Service) cancelExpiry(ctx context.Context, subscriptionID string) {
	if err := s.Expiry.Cancel(ctx, subscriptionID); err != nil {
		s.Logger.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("expiry_cancel_failed")
	}
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("mandate.Service").Start(ctx, "MandateService."+op)
	span.SetAttributes(attrs...)
	return ctx, span
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// txnRef is the idempotency key of a debit webhook.
func txnRef(ev gateway.Event) string {
	if ref := strings.TrimSpace(ev.PgTxnID); ref != "" {
		return ref
	}
	return ev.ID
}
