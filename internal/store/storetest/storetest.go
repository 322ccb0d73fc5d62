// Package storetest holds the behavioral checks every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devisr/internal/store"
)

// Run exercises s against the Registry contract. s must be empty and have its schema ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	created, err := s.Create(ctx, store.Device{ID: "dev-a", Name: "A", Port: 3001, WebhookURL: "http://hook", WebhookSecret: "s3"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRegistered, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.Create(ctx, store.Device{ID: "dev-a", Name: "dup"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrExists), "got %v", err)

	_, err = s.Create(ctx, store.Device{ID: "dev-b", Name: "B", Port: 3002})
	require.NoError(t, err)

	got, err := s.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, 3001, got.Port)
	assert.Equal(t, "http://hook", got.WebhookURL)
	assert.Equal(t, "s3", got.WebhookSecret)
	assert.Zero(t, got.ProcessID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	seen := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	upd, err := s.Update(ctx, "dev-a", store.WithStatus(store.StatusActive).WithPID(4242).Seen(seen))
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, upd.Status)
	assert.Equal(t, 4242, upd.ProcessID)
	assert.Equal(t, 3001, upd.Port, "untouched fields survive a sparse patch")
	assert.WithinDuration(t, seen, upd.LastSeen, time.Second)

	upd, err = s.Update(ctx, "dev-a", store.WithStatus(store.StatusStopped).WithPID(0))
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, upd.Status)
	assert.Zero(t, upd.ProcessID, "pid 0 clears the remembered process")

	_, err = s.Update(ctx, "missing", store.WithStatus(store.StatusError))
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	ids := []string{all[0].ID, all[1].ID}
	assert.ElementsMatch(t, []string{"dev-a", "dev-b"}, ids)

	require.NoError(t, s.Delete(ctx, "dev-b"))
	assert.True(t, errors.Is(s.Delete(ctx, "dev-b"), store.ErrNotFound))
	all, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
