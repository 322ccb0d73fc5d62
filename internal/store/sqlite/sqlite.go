package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/devisr/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			process_id INTEGER NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Create(ctx context.Context, d store.Device) (store.Device, error) {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = store.StatusRegistered
	}
	var pid any
	if d.ProcessID > 0 {
		pid = d.ProcessID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices(id, name, port, status, webhook_url, webhook_secret, process_id, created_at, updated_at, last_seen)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);`,
		d.ID, d.Name, d.Port, string(d.Status), d.WebhookURL, d.WebhookSecret, pid, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Device{}, fmt.Errorf("%w: %s", store.ErrExists, d.ID)
		}
		return store.Device{}, err
	}
	return d, nil
}

func (s *DB) Get(ctx context.Context, id string) (store.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.SelectColumns+` FROM devices WHERE id=?;`, id)
	d, err := store.ScanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return d, err
}

func (s *DB) GetAll(ctx context.Context) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.SelectColumns+` FROM devices ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanDevices(rows)
}

func (s *DB) Update(ctx context.Context, id string, p store.Patch) (store.Device, error) {
	if p.Empty() {
		return s.Get(ctx, id)
	}
	set, args := store.SetClause(p.Columns(), time.Now(), func(int) string { return "?" })
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET `+set+` WHERE id=?;`, args...)
	if err != nil {
		return store.Device{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}
