package client

import (
	"fmt"
	"time"
)

// CreateDeviceRequest registers a device. An empty ID lets the daemon generate one.
type CreateDeviceRequest struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// WebhookUpdate changes only the fields that are set.
type WebhookUpdate struct {
	URL    *string `json:"webhook_url,omitempty"`
	Secret *string `json:"webhook_secret,omitempty"`
}

// Device is a registry record with the live process view attached.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	ProcessID  int       `json:"process_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeen   time.Time `json:"last_seen"`
	PID        int       `json:"pid"`
	Running    bool      `json:"running"`
}

// ProcessStatus is returned by start, stop, restart and status.
type ProcessStatus struct {
	DeviceID string `json:"device_id"`
	PID      int    `json:"pid"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	Running  bool   `json:"running"`
}

// StopOptions: a zero Timeout uses the daemon's default graceful wait.
type StopOptions struct {
	Force   bool
	Timeout time.Duration
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}
