// Package gatewaytest provides an in-memory gateway.Adapter for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/gateway"
)

// Fake records every call and answers with canned results. Webhooks use the
// Payload JSON shape and are signed with Secret.
type Fake struct {
	Secret string

	// NotifyFunc overrides SendPreDebitNotification when set.
	NotifyFunc func(req gateway.NotifyRequest) (gateway.NotifyResult, error)
	ExecuteErr error

	// Status answers CheckNotificationStatus.
	Status gateway.Status

	mu           sync.Mutex
	created      []gateway.CreateMandateRequest
	executed     []gateway.ExecuteRequest
	notified     []gateway.NotifyRequest
	statusChecks []gateway.StatusRequest
}

var _ gateway.Adapter = (*Fake)(nil)

func (f *Fake) PG() domain.PG { return domain.PGPhonePe }

func (f *Fake) CreateMandate(_ context.Context, req gateway.CreateMandateRequest) (gateway.CreateMandateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return gateway.CreateMandateResult{
		PgMandateID: "OMO-" + req.MandateID,
		IntentURL:   "upi://mandate?tr=" + req.MandateID,
		State:       "PENDING",
	}, nil
}

func (f *Fake) ExecuteMandate(_ context.Context, req gateway.ExecuteRequest) (gateway.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, req)
	if f.ExecuteErr != nil {
		return gateway.ExecuteResult{}, f.ExecuteErr
	}
	return gateway.ExecuteResult{PgExecutionID: "EXEC-" + req.MerchantTxnID, State: "PENDING"}, nil
}

func (f *Fake) SendPreDebitNotification(_ context.Context, req gateway.NotifyRequest) (gateway.NotifyResult, error) {
	f.mu.Lock()
	f.notified = append(f.notified, req)
	fn := f.NotifyFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return gateway.NotifyResult{PgNotificationID: "N-" + req.MerchantNotificationID, Status: gateway.StatusInitiated}, nil
}

func (f *Fake) CheckNotificationStatus(_ context.Context, req gateway.StatusRequest) (gateway.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusChecks = append(f.statusChecks, req)
	st := f.Status
	if st == "" {
		st = gateway.StatusInitiated
	}
	return gateway.StatusResult{Status: st}, nil
}

// Payload is the webhook body understood by ParseWebhook.
type Payload struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	MandateID        string    `json:"mandateId,omitempty"`
	PgMandateID      string    `json:"pgMandateId,omitempty"`
	UMN              string    `json:"umn,omitempty"`
	PgTxnID          string    `json:"pgTxnId,omitempty"`
	PaymentID        string    `json:"paymentId,omitempty"`
	PgNotificationID string    `json:"pgNotificationId,omitempty"`
	PgRefundID       string    `json:"pgRefundId,omitempty"`
	Amount           int64     `json:"amount,omitempty"`
	SequenceNumber   int       `json:"sequenceNumber,omitempty"`
	Initiator        string    `json:"initiator,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// Body encodes p.
func (p Payload) Body() []byte {
	b, _ := json.Marshal(p)
	return b
}

// Event parses p the way a webhook would be parsed.
func (p Payload) Event() (gateway.Event, error) {
	return (&Fake{}).ParseWebhook(p.Body())
}

func (f *Fake) ParseWebhook(body []byte) (gateway.Event, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return gateway.Event{}, err
	}
	parts := strings.Split(p.Type, ".")
	if len(parts) != 3 {
		return gateway.Event{}, fmt.Errorf("%w: type %q", gateway.ErrUnrecognizedEvent, p.Type)
	}
	norm, err := gateway.Normalize(parts[0], parts[1], parts[2])
	if err != nil {
		return gateway.Event{}, err
	}
	initiator := domain.RefundInitiator(strings.ToUpper(p.Initiator))
	if initiator == "" {
		initiator = domain.RefundBySystem
	}
	return gateway.Event{
		ID:               p.ID,
		Type:             norm,
		MandateID:        p.MandateID,
		PgMandateID:      p.PgMandateID,
		UMN:              p.UMN,
		PgTxnID:          p.PgTxnID,
		PaymentID:        p.PaymentID,
		PgNotificationID: p.PgNotificationID,
		PgRefundID:       p.PgRefundID,
		Amount:           p.Amount,
		SequenceNumber:   p.SequenceNumber,
		Initiator:        initiator,
		Detail:           p.Detail,
		OccurredAt:       p.OccurredAt,
	}, nil
}

func (f *Fake) VerifySignature(header http.Header, body []byte) error {
	return gateway.VerifySignature(f.Secret, body, header.Get(gateway.SignatureHeader))
}

// Created returns the recorded create calls.
func (f *Fake) Created() []gateway.CreateMandateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.CreateMandateRequest(nil), f.created...)
}

// Executed returns the recorded debit executions.
func (f *Fake) Executed() []gateway.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.ExecuteRequest(nil), f.executed...)
}

// Notified returns the recorded pre-debit notifications.
func (f *Fake) Notified() []gateway.NotifyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.NotifyRequest(nil), f.notified...)
}

// StatusChecks returns the recorded status polls.
func (f *Fake) StatusChecks() []gateway.StatusRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.StatusRequest(nil), f.statusChecks...)
}
