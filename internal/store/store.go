package store

import (
	"context"
	"errors"
	"time"
)

// Status is the persisted, operator-visible state of a device.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRegistered, StatusActive, StatusStopped, StatusError:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("device not found")
	ErrExists   = errors.New("device already exists")
)

// Device is one registered tenant. ProcessID is 0 when no OS process is remembered.
// Timestamps are UTC.
type Device struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Port          int       `json:"port"`
	Status        Status    `json:"status"`
	WebhookURL    string    `json:"webhook_url,omitempty"`
	WebhookSecret string    `json:"-"`
	ProcessID     int       `json:"process_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
}

// Patch is a sparse update. Nil fields are left untouched; a ProcessID of 0 clears it.
type Patch struct {
	ProcessID     *int
	Status        *Status
	Port          *int
	WebhookURL    *string
	WebhookSecret *string
	LastSeen      *time.Time
}

func (p Patch) Empty() bool {
	return p.ProcessID == nil && p.Status == nil && p.Port == nil &&
		p.WebhookURL == nil && p.WebhookSecret == nil && p.LastSeen == nil
}

// Apply copies the set fields of p onto d.
func (p Patch) Apply(d *Device) {
	if p.ProcessID != nil {
		d.ProcessID = *p.ProcessID
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Port != nil {
		d.Port = *p.Port
	}
	if p.WebhookURL != nil {
		d.WebhookURL = *p.WebhookURL
	}
	if p.WebhookSecret != nil {
		d.WebhookSecret = *p.WebhookSecret
	}
	if p.LastSeen != nil {
		d.LastSeen = p.LastSeen.UTC()
	}
}

// Column is one SET clause target of a Patch, in a fixed order.
type Column struct {
	Name  string
	Value any
}

// Columns lists the set fields as SQL column/value pairs. A cleared ProcessID maps to NULL.
func (p Patch) Columns() []Column {
	var cols []Column
	if p.ProcessID != nil {
		var v any
		if *p.ProcessID > 0 {
			v = *p.ProcessID
		}
		cols = append(cols, Column{"process_id", v})
	}
	if p.Status != nil {
		cols = append(cols, Column{"status", string(*p.Status)})
	}
	if p.Port != nil {
		cols = append(cols, Column{"port", *p.Port})
	}
	if p.WebhookURL != nil {
		cols = append(cols, Column{"webhook_url", *p.WebhookURL})
	}
	if p.WebhookSecret != nil {
		cols = append(cols, Column{"webhook_secret", *p.WebhookSecret})
	}
	if p.LastSeen != nil {
		cols = append(cols, Column{"last_seen", p.LastSeen.UTC()})
	}
	return cols
}

// Patch builders keep call sites short.

func WithStatus(s Status) Patch { return Patch{Status: &s} }

func (p Patch) WithPID(pid int) Patch { p.ProcessID = &pid; return p }

func (p Patch) Seen(t time.Time) Patch { p.LastSeen = &t; return p }

// Registry is what the supervisor consumes.
type Registry interface {
	Get(ctx context.Context, id string) (Device, error)
	GetAll(ctx context.Context) ([]Device, error)
	Update(ctx context.Context, id string, p Patch) (Device, error)
}

// Store is a Registry with lifecycle and CRUD for the gateway.
type Store interface {
	Registry
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, d Device) (Device, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
