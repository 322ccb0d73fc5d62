// Package bridge keeps one outbound websocket per running worker and mirrors
// its events to observers and the webhook dispatcher.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/loykin/devisr/internal/broadcast"
	"github.com/loykin/devisr/internal/metrics"
)

type Config struct {
	Host       string        `mapstructure:"host"`
	Path       string        `mapstructure:"path"`
	BasicAuth  string        `mapstructure:"-"`
	Retries    int           `mapstructure:"retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = 10 * c.Backoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Dispatcher receives every mirrored message. Errors are logged only.
type Dispatcher interface {
	HandleEvent(ctx context.Context, deviceID string, msg []byte) error
}

// ClosedEvent is the payload of container-websocket-closed.
type ClosedEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type ConnectedEvent struct {
	Port int `json:"port"`
}

type Bridge struct {
	cfg  Config
	pub  broadcast.Publisher
	disp Dispatcher
	log  *slog.Logger

	// deliveries outlive their socket; only CloseAll cancels them
	deliveries    context.Context
	endDeliveries context.CancelFunc

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	device string
	port   int
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool
}

func New(cfg Config, pub broadcast.Publisher, disp Dispatcher, log *slog.Logger) *Bridge {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	deliveries, end := context.WithCancel(context.Background())
	return &Bridge{
		cfg:           cfg,
		pub:           pub,
		disp:          disp,
		log:           log.With("component", "bridge"),
		deliveries:    deliveries,
		endDeliveries: end,
		conns:         make(map[string]*conn),
	}
}

func (b *Bridge) endpoint(port int) string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(b.cfg.Host, strconv.Itoa(port)), Path: b.cfg.Path}
	return u.String()
}

// Connect opens the device's bridge in the background, replacing any existing one.
// The initial dial is retried with backoff; a dropped connection is not re-dialed.
func (b *Bridge) Connect(ctx context.Context, deviceID string, port int) {
	b.Close(deviceID)

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &conn{device: deviceID, port: port, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.conns[deviceID] = c
	b.mu.Unlock()

	go b.run(cctx, c)
}

func (b *Bridge) run(ctx context.Context, c *conn) {
	defer close(c.done)
	defer c.cancel()
	log := b.log.With("device", c.device, "port", c.port)

	ws, err := b.dial(ctx, c.port, log)
	if err != nil {
		b.forget(c)
		if c.isClosing() {
			return
		}
		log.Warn("event bridge connect failed", "error", err)
		b.pub.Publish(broadcast.EventBridgeClosed, c.device, ClosedEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		return
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	metrics.AddBridgeConnections(1)
	log.Info("event bridge connected")
	b.pub.Publish(broadcast.EventBridgeConnected, c.device, ConnectedEvent{Port: c.port})

	closed := b.read(c, ws)
	_ = ws.Close()
	b.forget(c)
	metrics.AddBridgeConnections(-1)
	log.Info("event bridge closed", "code", closed.Code, "reason", closed.Reason)
	b.pub.Publish(broadcast.EventBridgeClosed, c.device, closed)
}

func (b *Bridge) dial(ctx context.Context, port int, log *slog.Logger) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	header := http.Header{}
	if b.cfg.BasicAuth != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(b.cfg.BasicAuth)))
	}
	target := b.endpoint(port)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.Backoff
	bo.MaxInterval = b.cfg.MaxBackoff

	operation := func() (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, backoff.Permanent(fmt.Errorf("dial %s: unauthorized", target))
			}
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}
		return ws, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(b.cfg.Retries)+1), // #nosec G115 -- clamped to >= 0
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("event bridge dial retry", "in", next, "error", err)
		}),
	)
}

// read forwards messages until the socket ends and reports how it ended.
func (b *Bridge) read(c *conn, ws *websocket.Conn) ClosedEvent {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if c.isClosing() {
				return ClosedEvent{Code: websocket.CloseNormalClosure, Reason: "closed by supervisor"}
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ClosedEvent{Code: ce.Code, Reason: ce.Text}
			}
			return ClosedEvent{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
		}
		metrics.IncBridgeMessage(c.device)
		b.pub.Publish(broadcast.EventContainerMessage, c.device, msg)
		if b.disp != nil {
			go func(msg []byte) {
				if err := b.disp.HandleEvent(b.deliveries, c.device, msg); err != nil {
					b.log.Warn("webhook dispatch failed", "device", c.device, "error", err)
				}
			}(msg)
		}
	}
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (b *Bridge) forget(c *conn) {
	b.mu.Lock()
	if b.conns[c.device] == c {
		delete(b.conns, c.device)
	}
	b.mu.Unlock()
}

// Close shuts the device's bridge with a normal closure and waits briefly for
// the closed notification to go out.
func (b *Bridge) Close(deviceID string) {
	b.mu.Lock()
	c := b.conns[deviceID]
	delete(b.conns, deviceID)
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by supervisor"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
}

// CloseAll closes every bridge and cancels webhook deliveries still in flight.
// It is the shutdown path.
func (b *Bridge) CloseAll() {
	defer b.endDeliveries()
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.Close(id)
		}(id)
	}
	wg.Wait()
}

// Connected reports whether the device has an open socket.
func (b *Bridge) Connected(deviceID string) bool {
	b.mu.Lock()
	c := b.conns[deviceID]
	b.mu.Unlock()
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && !c.closing
}
