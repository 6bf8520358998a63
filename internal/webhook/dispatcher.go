// Package webhook delivers domain events to per-session callback URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/model"
	"github.com/openclaw/wa-relay-server-go/internal/util"
)

const (
	DefaultTimeout  = 15 * time.Second
	SignatureHeader = "X-Webhook-Signature"
)

// Result describes the outcome of one dispatch attempt.
type Result struct {
	Status     model.DeliveryStatus
	StatusCode int
	Reason     string
	Elapsed    time.Duration
}

func (r Result) Delivered() bool {
	return r.Status == model.DeliveryStatusDelivered
}

// DeliveryRecorder persists dispatch attempts.
type DeliveryRecorder interface {
	Create(ctx context.Context, params model.CreateWebhookDeliveryParams) (*model.WebhookDelivery, error)
}

type Dispatcher struct {
	client   *http.Client
	recorder DeliveryRecorder
	secret   string
}

func NewDispatcher(timeout time.Duration, recorder DeliveryRecorder) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
		},
		recorder: recorder,
	}
}

// WithSecret signs every request body with HMAC-SHA256 under secret.
func (d *Dispatcher) WithSecret(secret string) *Dispatcher {
	d.secret = secret
	return d
}

// Dispatch makes a single attempt to POST ev to callbackURL. An empty URL is
// skipped without any network activity. Failures are logged and returned in
// the result, never as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, callbackURL string, ev model.Event) Result {
	if callbackURL == "" {
		return Result{Status: model.DeliveryStatusSkipped}
	}

	start := time.Now()
	result := d.post(ctx, callbackURL, ev)
	result.Elapsed = time.Since(start)

	logger := log.With().
		Str("sessionId", ev.Instance.ID).
		Str("event", string(ev.Kind)).
		Str("url", callbackURL).
		Dur("elapsed", result.Elapsed).
		Logger()

	if result.Delivered() {
		logger.Info().Int("status", result.StatusCode).Msg("webhook delivered")
	} else {
		event := logger.Warn().Str("reason", result.Reason)
		if result.StatusCode != 0 {
			event = event.Int("status", result.StatusCode)
		}
		event.Msg("webhook delivery failed")
	}

	d.record(ctx, callbackURL, ev, result)
	return result
}

func (d *Dispatcher) post(ctx context.Context, callbackURL string, ev model.Event) Result {
	body, err := json.Marshal(ev)
	if err != nil {
		return Result{Status: model.DeliveryStatusFailed, Reason: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return Result{Status: model.DeliveryStatusFailed, Reason: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if d.secret != "" {
		req.Header.Set(SignatureHeader, util.SignBody(d.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Status: model.DeliveryStatusFailed, Reason: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Status:     model.DeliveryStatusFailed,
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	return Result{Status: model.DeliveryStatusDelivered, StatusCode: resp.StatusCode}
}

func (d *Dispatcher) record(ctx context.Context, callbackURL string, ev model.Event, result Result) {
	if d.recorder == nil {
		return
	}

	params := model.CreateWebhookDeliveryParams{
		SessionID: ev.Instance.ID,
		Event:     ev.Kind,
		URL:       callbackURL,
		Status:    result.Status,
		ElapsedMs: result.Elapsed.Milliseconds(),
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		params.StatusCode = &code
	}
	if result.Reason != "" {
		reason := result.Reason
		params.Error = &reason
	}

	if _, err := d.recorder.Create(context.WithoutCancel(ctx), params); err != nil {
		log.Error().Err(err).Str("sessionId", ev.Instance.ID).Msg("failed to record webhook delivery")
	}
}

// For returns a sink delivering externally visible events to callbackURL.
func (d *Dispatcher) For(callbackURL string) *Sink {
	return &Sink{dispatcher: d, url: callbackURL}
}

type Sink struct {
	dispatcher *Dispatcher
	url        string
}

func (s *Sink) Deliver(ctx context.Context, ev model.Event) {
	if !ev.Kind.External() {
		return
	}
	s.dispatcher.Dispatch(ctx, s.url, ev)
}

// ValidateURL accepts empty URLs and absolute http(s) URLs with a host.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
