package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/noah-isme/backend-autopay/internal/domain"
)

// Adapter is the contract every PSP integration implements. The orchestrator
// only talks to PSPs through it.
type Adapter interface {
	PG() domain.PG
	CreateMandate(ctx context.Context, req CreateMandateRequest) (CreateMandateResult, error)
	ExecuteMandate(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	SendPreDebitNotification(ctx context.Context, req NotifyRequest) (NotifyResult, error)
	CheckNotificationStatus(ctx context.Context, req StatusRequest) (StatusResult, error)
	ParseWebhook(body []byte) (Event, error)
	VerifySignature(header http.Header, body []byte) error
}

// CreateMandateRequest asks the PSP to set up a mandate; MandateID is our id
// and doubles as the merchant subscription id.
type CreateMandateRequest struct {
	MandateID string
	UserID    string
	Amount    int64
	MaxAmount int64
	ExpiresAt time.Time
	Metadata  domain.Metadata
}

// CreateMandateResult carries the PSP reference and the app-launch link.
type CreateMandateResult struct {
	PgMandateID string
	IntentURL   string
	State       string
}

// ExecuteRequest triggers a debit against an acknowledged pre-debit notification.
type ExecuteRequest struct {
	MandateID        string
	PgMandateID      string
	MerchantTxnID    string
	PgNotificationID string
	Amount           int64
	SequenceNumber   int
}

type ExecuteResult struct {
	PgExecutionID string
	State         string
}

// NotifyRequest announces an upcoming debit to the payer.
type NotifyRequest struct {
	MandateID              string
	PgMandateID            string
	MerchantNotificationID string
	Amount                 int64
	SequenceNumber         int
	DebitAt                time.Time
}

type NotifyResult struct {
	PgNotificationID string
	Status           Status
}

// StatusRequest polls the PSP for a notification outcome.
type StatusRequest struct {
	PgMandateID      string
	PgNotificationID string
}

type StatusResult struct {
	Status Status
	Detail string
}

// Event is a verified, normalized webhook.
type Event struct {
	ID               string
	Type             Normalized
	MandateID        string
	PgMandateID      string
	UMN              string
	PgTxnID          string
	PaymentID        string
	PgNotificationID string
	PgRefundID       string
	Amount           int64
	SequenceNumber   int
	Initiator        domain.RefundInitiator
	Detail           string
	OccurredAt       time.Time
}
