// Package mockpay is the stand-in payment provider: it mints payment
// intents, signs webhook events the way a real provider would, and
// delivers them over HTTP. The signature scheme (HMAC over a canonical
// string, timestamp skew window, constant-time compare) is the part
// that matters; everything else is deliberately minimal.
package mockpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ticketd/ticketd/internal/idgen"
)

// Webhook event types.
const (
	EventPaid   = "payment.paid"
	EventFailed = "payment.failed"
)

// MaxSkew bounds how far an event timestamp may drift from local time.
const MaxSkew = 5 * time.Minute

var (
	ErrBadSignature   = errors.New("invalid webhook signature")
	ErrStaleTimestamp = errors.New("webhook timestamp outside allowed skew")
	ErrUnknownEvent   = errors.New("unknown webhook event type")
)

// Event is the webhook payload.
type Event struct {
	Event     string `json:"event"`
	IntentID  string `json:"intent_id"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Provider mints intents and emits signed webhook events.
type Provider struct {
	secret     []byte
	webhookURL string
	httpClient *http.Client

	nowFn func() time.Time
}

// New creates a provider signing with secret and delivering events to
// webhookURL (the service's own /payments/webhook in a demo deployment).
func New(secret, webhookURL string) *Provider {
	return &Provider{
		secret:     []byte(secret),
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		nowFn:      time.Now,
	}
}

// NewIntentID mints a payment intent id.
func (p *Provider) NewIntentID() string {
	return idgen.WithPrefix("mock_")
}

// Sign computes the event signature: base64url HMAC-SHA256 over
// "intentID|event|timestamp".
func (p *Provider) Sign(intentID, event string, timestamp int64) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(intentID + "|" + event + "|" + strconv.FormatInt(timestamp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the event type, timestamp skew, and signature.
func (p *Provider) Verify(e *Event) error {
	if e.Event != EventPaid && e.Event != EventFailed {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	now := p.nowFn().Unix()
	if d := now - e.Timestamp; d > int64(MaxSkew.Seconds()) || d < -int64(MaxSkew.Seconds()) {
		return ErrStaleTimestamp
	}
	want := p.Sign(e.IntentID, e.Event, e.Timestamp)
	if subtle.ConstantTimeCompare([]byte(want), []byte(e.Signature)) != 1 {
		return ErrBadSignature
	}
	return nil
}

// NewEvent builds a signed event for the intent.
func (p *Provider) NewEvent(intentID, eventType string) Event {
	ts := p.nowFn().Unix()
	return Event{
		Event:     eventType,
		IntentID:  intentID,
		Timestamp: ts,
		Signature: p.Sign(intentID, eventType, ts),
	}
}

// Emit signs and delivers an event to the webhook endpoint. A non-2xx
// response is an error; the caller decides whether to retry.
func (p *Provider) Emit(ctx context.Context, intentID, eventType string) error {
	event := p.NewEvent(intentID, eventType)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver webhook: status %d", resp.StatusCode)
	}
	return nil
}
