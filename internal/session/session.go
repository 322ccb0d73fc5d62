// Package session manages the per-device storage a worker resumes from.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultLocalDB is the worker's session database path relative to its session directory.
const DefaultLocalDB = "storages/session.db"

// Layout describes where sessions live. A non-empty DBURI selects external mode.
type Layout struct {
	Root    string
	DBURI   string
	LocalDB string
}

func (l Layout) localDB() string {
	if strings.TrimSpace(l.LocalDB) == "" {
		return DefaultLocalDB
	}
	return l.LocalDB
}

// External reports whether sessions are persisted outside the local filesystem.
func (l Layout) External() bool { return strings.TrimSpace(l.DBURI) != "" }

// Dir is the session directory of a device.
func (l Layout) Dir(deviceID string) (string, error) {
	if !safeID(deviceID) {
		return "", fmt.Errorf("invalid device id %q", deviceID)
	}
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, deviceID), nil
}

// Ensure creates the session directory and the parent of the local database file.
func (l Layout) Ensure(deviceID string) (string, error) {
	dir, err := l.Dir(deviceID)
	if err != nil {
		return "", err
	}
	target := dir
	if !l.External() {
		target = filepath.Dir(filepath.Join(dir, l.localDB()))
	}
	if err := os.MkdirAll(target, 0o750); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// DatabaseURI is the connection string handed to the worker.
func (l Layout) DatabaseURI(deviceID string) (string, error) {
	if l.External() {
		return l.DBURI, nil
	}
	dir, err := l.Dir(deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, l.localDB()), nil
}

// HasArtifact reports whether the local session database survived on disk.
func (l Layout) HasArtifact(deviceID string) bool {
	dir, err := l.Dir(deviceID)
	if err != nil {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, l.localDB()))
	return err == nil && fi.Mode().IsRegular()
}

// Remove deletes the session directory of a device.
func (l Layout) Remove(deviceID string) error {
	dir, err := l.Dir(deviceID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CheckExternal verifies a postgres session store is reachable. Other URIs are not probed.
func (l Layout) CheckExternal(ctx context.Context) error {
	if !l.External() {
		return nil
	}
	lu := strings.ToLower(l.DBURI)
	if !strings.HasPrefix(lu, "postgres://") && !strings.HasPrefix(lu, "postgresql://") {
		return nil
	}
	conn, err := pgx.Connect(ctx, l.DBURI)
	if err != nil {
		return fmt.Errorf("connect session db: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()
	return conn.Ping(ctx)
}

func safeID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
