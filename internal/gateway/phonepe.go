package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/domain"
	"github.com/noah-isme/backend-autopay/internal/lock"
	"github.com/noah-isme/backend-autopay/internal/obs"
	"github.com/noah-isme/backend-autopay/internal/resilience"
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Webhook-Signature"

// PhonePeConfig holds credentials and endpoints of the PhonePe subscription API.
type PhonePeConfig struct {
	BaseURL       string
	AuthURL       string
	ClientID      string
	ClientSecret  string
	ClientVersion string
	MerchantID    string
	WebhookSecret string
	RedirectURL   string
}

// PhonePe is the reference Adapter implementation.
type PhonePe struct {
	cfg       PhonePeConfig
	http      resilience.HTTPClient
	tokens    *TokenSource
	sequences SequenceStore
	payloads  domain.PayloadRepository
	logger    zerolog.Logger
	now       func() time.Time
}

// PhonePeDeps are the collaborators of the PhonePe adapter. Payloads receives
// the outbound audit trail and Sequences the corrected sequence numbers.
type PhonePeDeps struct {
	HTTP      resilience.HTTPClient
	Redis     *redis.Client
	Locker    lock.Locker
	Sequences SequenceStore
	Payloads  domain.PayloadRepository
	Logger    zerolog.Logger
	Now       func() time.Time
}

// NewPhonePe wires the adapter and its shared token cache.
func NewPhonePe(cfg PhonePeConfig, deps PhonePeDeps) *PhonePe {
	p := &PhonePe{
		cfg:       cfg,
		http:      deps.HTTP,
		sequences: deps.Sequences,
		payloads:  deps.Payloads,
		logger:    deps.Logger.With().Str("pg", string(domain.PGPhonePe)).Logger(),
		now:       deps.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.tokens = &TokenSource{
		Redis:  deps.Redis,
		Locker: deps.Locker,
		Key:    "psp:token:" + string(domain.PGPhonePe),
		Fetch:  p.fetchToken,
		Logger: p.logger,
		Now:    p.now,
	}
	return p
}

// Tokens exposes the token cache so the worker can run the refresher.
func (p *PhonePe) Tokens() *TokenSource { return p.tokens }

func (p *PhonePe) PG() domain.PG { return domain.PGPhonePe }

func (p *PhonePe) CreateMandate(ctx context.Context, req CreateMandateRequest) (CreateMandateResult, error) {
	body := map[string]any{
		"merchantOrderId": req.MandateID,
		"amount":          req.Amount,
		"expireAt":        req.ExpiresAt.UnixMilli(),
		"paymentFlow": map[string]any{
			"type":                   "SUBSCRIPTION_SETUP",
			"merchantSubscriptionId": req.MandateID,
			"authWorkflowType":       "TRANSACTION",
			"amountType":             "VARIABLE",
			"maxAmount":              req.MaxAmount,
			"frequency":              "ON_DEMAND",
			"expireAt":               req.ExpiresAt.UnixMilli(),
			"paymentMode":            map[string]any{"type": "UPI_INTENT", "targetApp": req.Metadata.AppID},
		},
		"deviceContext": map[string]any{"deviceOS": strings.ToUpper(req.Metadata.OS)},
		"metaInfo":      map[string]any{"udf1": req.UserID},
	}
	if p.cfg.RedirectURL != "" {
		body["redirectUrl"] = p.cfg.RedirectURL
	}
	var resp struct {
		OrderID   string `json:"orderId"`
		State     string `json:"state"`
		IntentURL string `json:"intentUrl"`
	}
	if err := p.call(ctx, "create", http.MethodPost, "/subscriptions/v2/setup", body, &resp); err != nil {
		return CreateMandateResult{}, err
	}
	return CreateMandateResult{PgMandateID: resp.OrderID, IntentURL: resp.IntentURL, State: resp.State}, nil
}

func (p *PhonePe) ExecuteMandate(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	body := map[string]any{
		"merchantOrderId":        req.MerchantTxnID,
		"merchantSubscriptionId": req.MandateID,
		"notificationId":         req.PgNotificationID,
		"amount":                 req.Amount,
		"sequenceNumber":         req.SequenceNumber,
	}
	var resp struct {
		TransactionID string `json:"transactionId"`
		State         string `json:"state"`
	}
	if err := p.call(ctx, "execute", http.MethodPost, "/subscriptions/v2/redeem", body, &resp); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{PgExecutionID: resp.TransactionID, State: resp.State}, nil
}

// SendPreDebitNotification notifies the payer. An "invalid sequence number"
// rejection is reconciled into the mandate and reported as
// domain.ErrSequenceMismatch.
func (p *PhonePe) SendPreDebitNotification(ctx context.Context, req NotifyRequest) (NotifyResult, error) {
	body := map[string]any{
		"merchantOrderId": req.MerchantNotificationID,
		"amount":          req.Amount,
		"expireAt":        req.DebitAt.UnixMilli(),
		"paymentFlow": map[string]any{
			"type":                    "SUBSCRIPTION_REDEMPTION",
			"merchantSubscriptionId":  req.MandateID,
			"redemptionRetryStrategy": "STANDARD",
			"autoDebit":               false,
			"sequenceNumber":          req.SequenceNumber,
		},
	}
	var resp struct {
		OrderID string `json:"orderId"`
		State   string `json:"state"`
	}
	err := p.call(ctx, "notify", http.MethodPost, "/subscriptions/v2/notify", body, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.sequenceRelated() {
			return NotifyResult{}, ReconcileSequence(ctx, p.sequences, req.MandateID, apiErr.Message, err)
		}
		return NotifyResult{}, err
	}
	status, ok := statusAliases[strings.ToLower(resp.State)]
	if !ok {
		status = StatusInitiated
	}
	return NotifyResult{PgNotificationID: resp.OrderID, Status: status}, nil
}

func (p *PhonePe) CheckNotificationStatus(ctx context.Context, req StatusRequest) (StatusResult, error) {
	var resp struct {
		State   string `json:"state"`
		Message string `json:"errorCode"`
	}
	path := "/subscriptions/v2/notify/" + url.PathEscape(req.PgNotificationID) + "/status"
	if err := p.call(ctx, "notify_status", http.MethodGet, path, nil, &resp); err != nil {
		return StatusResult{}, err
	}
	status, ok := statusAliases[strings.ToLower(resp.State)]
	if !ok {
		return StatusResult{}, fmt.Errorf("%w: unknown notification state %q", domain.ErrExternalService, resp.State)
	}
	return StatusResult{Status: status, Detail: resp.Message}, nil
}

func (p *PhonePe) VerifySignature(header http.Header, body []byte) error {
	return VerifySignature(p.cfg.WebhookSecret, body, header.Get(SignatureHeader))
}

type phonePeWebhook struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		MerchantSubscriptionID string `json:"merchant_subscription_id"`
		SubscriptionID         string `json:"subscription_id"`
		UMN                    string `json:"umn"`
		TransactionID          string `json:"transaction_id"`
		PaymentID              string `json:"payment_id"`
		NotificationID         string `json:"notification_id"`
		RefundID               string `json:"refund_id"`
		Amount                 int64  `json:"amount"`
		SequenceNumber         int    `json:"sequence_number"`
		Initiator              string `json:"initiator"`
		Detail                 string `json:"detail"`
	} `json:"data"`
}

// ParseWebhook decodes and normalizes a PhonePe webhook. The type is
// "<resource>.<operation>.<status>".
func (p *PhonePe) ParseWebhook(body []byte) (Event, error) {
	var wh phonePeWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Event{}, fmt.Errorf("gateway: decode phonepe webhook: %w", err)
	}
	parts := strings.Split(wh.Type, ".")
	if len(parts) != 3 {
		return Event{}, fmt.Errorf("%w: type %q", ErrUnrecognizedEvent, wh.Type)
	}
	norm, err := Normalize(parts[0], parts[1], parts[2])
	if err != nil {
		return Event{}, err
	}
	occurred := wh.CreatedAt
	if occurred.IsZero() {
		occurred = p.now()
	}
	d := wh.Data
	return Event{
		ID:               wh.ID,
		Type:             norm,
		MandateID:        d.MerchantSubscriptionID,
		PgMandateID:      d.SubscriptionID,
		UMN:              d.UMN,
		PgTxnID:          d.TransactionID,
		PaymentID:        d.PaymentID,
		PgNotificationID: d.NotificationID,
		PgRefundID:       d.RefundID,
		Amount:           d.Amount,
		SequenceNumber:   d.SequenceNumber,
		Initiator:        parseInitiator(d.Initiator),
		Detail:           d.Detail,
		OccurredAt:       occurred,
	}, nil
}

func parseInitiator(v string) domain.RefundInitiator {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case string(domain.RefundByUser):
		return domain.RefundByUser
	case string(domain.RefundByAgent):
		return domain.RefundByAgent
	default:
		return domain.RefundBySystem
	}
}

// apiError is a non-2xx PhonePe reply.
type apiError struct {
	HTTPStatus int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("phonepe: %d %s: %s", e.HTTPStatus, e.Code, e.Message)
}

func (e *apiError) sequenceRelated() bool {
	return strings.EqualFold(e.Code, "INVALID_SEQUENCE_NUMBER") ||
		strings.Contains(strings.ToLower(e.Message), "sequence number")
}

func (p *PhonePe) call(ctx context.Context, op, method, path string, in, out any) (err error) {
	started := time.Now()
	defer func() { obs.ObservePSPCall(string(domain.PGPhonePe), op, err, time.Since(started)) }()

	token, err := p.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: phonepe token: %v", domain.ErrExternalService, err)
	}
	var reqBody []byte
	if in != nil {
		if reqBody, err = json.Marshal(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "O-Bearer "+token)

	resp, respBody, err := p.http.Do(ctx, req)
	p.audit(ctx, op, reqBody, respBody, resp)

	var statusErr *resilience.StatusError
	switch {
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusUnauthorized {
			_ = p.tokens.Invalidate(ctx)
		}
		apiErr := &apiError{HTTPStatus: statusErr.StatusCode}
		_ = json.Unmarshal(statusErr.Body, apiErr)
		return fmt.Errorf("%w: %w", domain.ErrExternalService, apiErr)
	case err != nil:
		return fmt.Errorf("%w: phonepe %s: %v", domain.ErrExternalService, op, err)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode phonepe %s response: %v", domain.ErrExternalService, op, err)
		}
	}
	return nil
}

func (p *PhonePe) audit(ctx context.Context, op string, reqBody, respBody []byte, resp *http.Response) {
	if p.payloads == nil {
		return
	}
	record := map[string]any{"operation": op}
	if len(reqBody) > 0 {
		record["request"] = json.RawMessage(reqBody)
	}
	if json.Valid(respBody) {
		record["response"] = json.RawMessage(respBody)
	}
	if resp != nil {
		record["status"] = resp.StatusCode
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	payload := &domain.WebhookPayload{PG: domain.PGPhonePe, Operation: op, Direction: domain.DirectionOutbound, Body: raw}
	if err := p.payloads.Create(ctx, payload); err != nil {
		p.logger.Warn().Err(err).Str("operation", op).Msg("psp_outbound_audit_failed")
	}
}

func (p *PhonePe) fetchToken(ctx context.Context) (Token, error) {
	form := url.Values{
		"client_id":      {p.cfg.ClientID},
		"client_secret":  {p.cfg.ClientSecret},
		"client_version": {p.cfg.ClientVersion},
		"grant_type":     {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.AuthURL, "/")+"/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, body, err := p.http.Do(ctx, req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: phonepe oauth: %v", domain.ErrExternalService, err)
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: phonepe oauth: malformed token response", domain.ErrExternalService)
	}
	expires := time.Unix(resp.ExpiresAt, 0)
	if resp.ExpiresAt == 0 {
		expires = p.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return Token{AccessToken: resp.AccessToken, ExpiresAt: expires}, nil
}
