package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/devisr/internal/store"
)

// DB is an in-process store.Store. Reads return copies.
type DB struct {
	mu      sync.RWMutex
	devices map[string]store.Device
}

var _ store.Store = (*DB)(nil)

func New() *DB { return &DB{devices: make(map[string]store.Device)} }

func (m *DB) EnsureSchema(context.Context) error { return nil }

func (m *DB) Close() error { return nil }

func (m *DB) Create(_ context.Context, d store.Device) (store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrExists, d.ID)
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = store.StatusRegistered
	}
	m.devices[d.ID] = d
	return d, nil
}

func (m *DB) Get(_ context.Context, id string) (store.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return d, nil
}

func (m *DB) GetAll(context.Context) ([]store.Device, error) {
	m.mu.RLock()
	out := make([]store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *DB) Update(_ context.Context, id string, p store.Patch) (store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if p.Empty() {
		return d, nil
	}
	p.Apply(&d)
	d.UpdatedAt = time.Now().UTC()
	m.devices[id] = d
	return d, nil
}

func (m *DB) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	delete(m.devices, id)
	return nil
}
