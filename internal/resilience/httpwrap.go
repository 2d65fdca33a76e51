package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusError reports a non-2xx response that exhausted retries or was not
// retryable. The body is kept (truncated) so callers can inspect PSP error text.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: upstream status %d: %s", e.StatusCode, bytes.TrimSpace(e.Body))
}

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
// Transport errors, 429 and 5xx responses are retried; other statuses return
// immediately.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// NewTracedClient returns an http.Client whose transport emits OpenTelemetry spans.
func NewTracedClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// Do executes the request and returns the response body of the first 2xx reply.
// The request body is buffered so it can be replayed across attempts.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	if cl.Client == nil {
		return nil, nil, errors.New("resilience: http client not configured")
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			cl.count("rejected")
			return nil, nil, ErrOpenCircuit
		}
		resp, payload, err := cl.doOnce(ctx, req, body)
		retryAfter := time.Duration(0)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode < 300:
			cl.report(ctx, true)
			cl.count("ok")
			return resp, payload, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: payload}
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		default:
			// the dependency is healthy; the request itself was rejected
			cl.report(ctx, true)
			cl.count("client_error")
			return resp, payload, &StatusError{StatusCode: resp.StatusCode, Body: payload}
		}
		cl.report(ctx, false)
		cl.count("retryable_error")
		if attempt == maxAttempts {
			break
		}
		wait := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		if retryAfter > wait {
			wait = retryAfter
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, nil, lastErr
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request, body []byte) (*http.Response, []byte, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	callCtx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	attemptReq := req.Clone(callCtx)
	if body != nil {
		attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		attemptReq.ContentLength = int64(len(body))
	}
	resp, err := cl.Client.Do(attemptReq)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func (cl HTTPClient) report(ctx context.Context, ok bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, ok)
	}
}

func (cl HTTPClient) count(outcome string) {
	target := cl.Target
	if target == "" {
		target = "default"
	}
	HTTPAttemptsTotal.WithLabelValues(target, outcome).Inc()
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	return io.ReadAll(req.Body)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}
