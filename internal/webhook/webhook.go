// Package webhook delivers mirrored worker events to a device's configured URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loykin/devisr/internal/metrics"
	"github.com/loykin/devisr/internal/store"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-Devisr-Event"
	DeviceHeader    = "X-Devisr-Device"
)

type Config struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
	Backoff time.Duration `mapstructure:"backoff"`
}

// Payload is the JSON body posted to the device webhook.
type Payload struct {
	Event     string          `json:"event"`
	DeviceID  string          `json:"device_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Dispatcher struct {
	reg    store.Registry
	client *http.Client
	cfg    Config
	log    *slog.Logger
}

func New(reg store.Registry, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		reg:    reg,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With("component", "webhook"),
	}
}

// WithClient swaps the HTTP client, mainly for tests.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// HandleEvent posts msg to the device's webhook. Webhook settings are read at
// delivery time so updates apply without a restart. Devices without a URL are
// skipped. 4xx responses are not retried.
func (d *Dispatcher) HandleEvent(ctx context.Context, deviceID string, msg []byte) error {
	dev, err := d.reg.Get(ctx, deviceID)
	if err != nil {
		metrics.IncWebhook("failed")
		return fmt.Errorf("webhook lookup %s: %w", deviceID, err)
	}
	if dev.WebhookURL == "" {
		metrics.IncWebhook("skipped")
		return nil
	}
	body, err := json.Marshal(Payload{
		Event:     "message",
		DeviceID:  deviceID,
		Data:      raw(msg),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		metrics.IncWebhook("failed")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.Backoff
	bo.MaxInterval = 8 * d.cfg.Backoff
	operation := func() (struct{}, error) {
		return struct{}{}, d.post(ctx, dev, body)
	}
	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(d.cfg.Retries)+1), // #nosec G115 -- clamped to >= 0
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.Debug("webhook delivery retry", "device", deviceID, "in", next, "error", err)
		}),
	)
	if err != nil {
		metrics.IncWebhook("failed")
		return fmt.Errorf("webhook %s: %w", deviceID, err)
	}
	metrics.IncWebhook("ok")
	return nil
}

func (d *Dispatcher) post(ctx context.Context, dev store.Device, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dev.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, "message")
	req.Header.Set(DeviceHeader, dev.ID)
	if dev.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, Sign(dev.WebhookSecret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns "sha256=<hex hmac>" of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func raw(msg []byte) json.RawMessage {
	if json.Valid(msg) {
		return msg
	}
	b, _ := json.Marshal(string(msg))
	return b
}
