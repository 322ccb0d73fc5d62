// Package client talks to the devisr daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	// Timeout bounds a whole request; it must exceed the longest stop you ask for.
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted for https base URLs
	Insecure bool   // skip TLS verification
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 60 * time.Second,
	}
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tc.InsecureSkipVerify = true // #nosec G402 -- explicit operator opt-in
		return tc, nil
	}
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	tc.RootCAs = pool
	return tc, nil
}

// IsReachable reports whether the daemon answers its health probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// Ready reports whether startup reconciliation has finished.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/readyz", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) CreateDevice(ctx context.Context, req CreateDeviceRequest) (Device, error) {
	var d Device
	err := c.do(ctx, http.MethodPost, "/devices", req, &d)
	return d, err
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.do(ctx, http.MethodGet, "/devices", nil, &out)
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, id string) (Device, error) {
	var d Device
	err := c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(id), nil, &d)
	return d, err
}

// DeleteDevice stops the device's worker if needed and unregisters it.
func (c *Client) DeleteDevice(ctx context.Context, id string, opts StopOptions) error {
	return c.do(ctx, http.MethodDelete, "/devices/"+url.PathEscape(id)+stopQuery(opts), nil, nil)
}

func (c *Client) SetWebhook(ctx context.Context, id string, u WebhookUpdate) (Device, error) {
	var d Device
	err := c.do(ctx, http.MethodPatch, "/devices/"+url.PathEscape(id)+"/webhook", u, &d)
	return d, err
}

func (c *Client) Start(ctx context.Context, id string) (ProcessStatus, error) {
	return c.lifecycle(ctx, http.MethodPost, id, "start", "")
}

func (c *Client) Stop(ctx context.Context, id string, opts StopOptions) (ProcessStatus, error) {
	return c.lifecycle(ctx, http.MethodPost, id, "stop", stopQuery(opts))
}

func (c *Client) Restart(ctx context.Context, id string, opts StopOptions) (ProcessStatus, error) {
	return c.lifecycle(ctx, http.MethodPost, id, "restart", stopQuery(opts))
}

func (c *Client) Status(ctx context.Context, id string) (ProcessStatus, error) {
	return c.lifecycle(ctx, http.MethodGet, id, "status", "")
}

func (c *Client) lifecycle(ctx context.Context, method, id, op, query string) (ProcessStatus, error) {
	var st ProcessStatus
	c.logger.Debug("device "+op, "device", id)
	err := c.do(ctx, method, "/devices/"+url.PathEscape(id)+"/"+op+query, nil, &st)
	return st, err
}

func stopQuery(o StopOptions) string {
	q := url.Values{}
	if o.Force {
		q.Set("force", "1")
	}
	if o.Timeout > 0 {
		q.Set("timeout", o.Timeout.String())
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// do sends body as JSON and decodes a 2xx response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		env.Error.StatusCode = resp.StatusCode
		return &env.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

// IsNotFound reports a 404 from the daemon.
func IsNotFound(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}
