// Package broadcast fans supervisor and bridge events out to observers,
// optionally filtered by device.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event names published by the daemon.
const (
	EventProcessStopped     = "process-stopped"
	EventBridgeConnected    = "container-websocket-connected"
	EventBridgeClosed       = "container-websocket-closed"
	EventContainerMessage   = "container-message"
	defaultSubscriberBuffer = 64
)

// Event is one notification as delivered to observers.
type Event struct {
	Type     string          `json:"event"`
	DeviceID string          `json:"device_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Time     time.Time       `json:"time"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(event, deviceID string, payload any)
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	log    *slog.Logger
}

var _ Publisher = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: defaultSubscriberBuffer, log: log}
}

// Subscription receives events for the devices it joined, or every event when all is set.
// Broadcasts without a device reach every subscription.
type Subscription struct {
	hub *Hub
	c   chan Event

	mu      sync.Mutex
	all     bool
	devices map[string]struct{}
	closed  bool
}

// Subscribe registers an observer.
func (h *Hub) Subscribe(all bool, devices ...string) *Subscription {
	s := &Subscription{hub: h, c: make(chan Event, h.buffer), all: all, devices: make(map[string]struct{})}
	for _, d := range devices {
		if d != "" {
			s.devices[d] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Events is closed when the subscription ends, either by Close or because it fell behind.
func (s *Subscription) Events() <-chan Event { return s.c }

func (s *Subscription) Join(deviceID string) {
	s.mu.Lock()
	if deviceID != "" {
		s.devices[deviceID] = struct{}{}
	}
	s.mu.Unlock()
}

func (s *Subscription) Leave(deviceID string) {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}

func (s *Subscription) wants(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deviceID == "" || s.all {
		return true
	}
	_, ok := s.devices[deviceID]
	return ok
}

// offer delivers without blocking; false means the buffer is full.
func (s *Subscription) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.c <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.c)
	}
	s.mu.Unlock()
}

// Publish delivers an event to interested subscribers. An empty deviceID broadcasts
// to everyone. Raw bytes that are valid JSON are forwarded as-is, other bytes as a
// JSON string; any other payload is marshalled.
func (h *Hub) Publish(event, deviceID string, payload any) {
	data, err := encode(payload)
	if err != nil {
		h.log.Warn("broadcast payload encode failed", "event", event, "device", deviceID, "error", err)
		return
	}
	e := Event{Type: event, DeviceID: deviceID, Data: data, Time: time.Now().UTC()}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		if s.wants(deviceID) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.offer(e) {
			// observer can't keep up, disconnect it
			h.log.Warn("observer too slow, disconnecting", "event", event, "device", deviceID)
			s.Close()
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return json.Marshal(string(p))
	default:
		return json.Marshal(p)
	}
}
