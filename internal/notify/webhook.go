package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/types"
)

const (
	SignatureHeader = "X-PB-Signature"
	TimestampHeader = "X-PB-Timestamp"

	DefaultTolerance = 300 * time.Second

	deliveryTimeout = 30 * time.Second
)

var (
	ErrInvalidSignatureFormat = errors.New("Invalid signature format")
	ErrTimestampOutOfRange    = errors.New("Webhook timestamp is outside tolerance window")
	ErrInvalidSignature       = errors.New("Invalid webhook signature")
	ErrInvalidPayload         = errors.New("Invalid webhook payload")
)

type WebhookConfig struct {
	URL        string `mapstructure:"url" json:"url,omitempty"`
	Secret     string `mapstructure:"secret" json:"secret,omitempty"`
	MaxRetries int    `mapstructure:"max_retries" json:"max_retries,omitempty"`
}

// Payload is the JSON body POSTed to webhook receivers.
type Payload struct {
	ID        string          `json:"id"`
	Type      types.EventType `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      map[string]any  `json:"data"`
}

// Webhook POSTs signed events to one endpoint. Deliveries run in the
// background; Wait blocks until in-flight deliveries finish.
type Webhook struct {
	url    string
	secret string
	client *retryablehttp.Client
	logger *logrus.Entry
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewWebhook(cfg WebhookConfig, logger *logrus.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("webhook secret is required")
	}

	entry := logger.WithField("pkg", "notify.Webhook")
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = entry
	if cfg.MaxRetries > 0 {
		client.RetryMax = cfg.MaxRetries
	}

	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: client,
		logger: entry,
		now:    time.Now,
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, event types.Event) {
	event = withID(event)
	if event.OccurredAt.IsZero() {
		event.OccurredAt = w.now()
	}
	body, err := json.Marshal(Payload{
		ID:        event.ID,
		Type:      event.Type,
		Timestamp: event.OccurredAt.Unix(),
		Data:      event.Data,
	})
	if err != nil {
		w.logger.WithError(err).WithField("event_type", event.Type).Error("failed to marshal webhook payload")
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()

		if err := w.deliver(ctx, body); err != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"event_id":   event.ID,
				"event_type": event.Type,
			}).Error("webhook delivery failed")
		}
	}()
}

func (w *Webhook) Wait() {
	w.wg.Wait()
}

func (w *Webhook) deliver(ctx context.Context, body []byte) error {
	ts := w.now().Unix()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, body)
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, FormatSignature(Sign(body, w.secret, ts), ts))
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook receiver returned status %d", res.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func FormatSignature(signature string, timestamp int64) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

func ParseSignature(header string) (timestamp int64, signature string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", false
			}
			timestamp = ts
		case "v1":
			signature = v
		}
	}
	return timestamp, signature, timestamp != 0 && signature != ""
}

// VerifyWebhook checks a received payload against its signature header and
// decodes it. A zero tolerance means DefaultTolerance.
func VerifyWebhook(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (*Payload, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	ts, sig, ok := ParseSignature(header)
	if !ok {
		return nil, ErrInvalidSignatureFormat
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return nil, ErrTimestampOutOfRange
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(payload, secret, ts))) {
		return nil, ErrInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ID == "" || p.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidPayload)
	}
	return &p, nil
}
