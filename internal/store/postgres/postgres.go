package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/devisr/internal/store"
)

type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			process_id INTEGER NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func dollar(i int) string { return "$" + strconv.Itoa(i) }

func (p *DB) Create(ctx context.Context, d store.Device) (store.Device, error) {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = store.StatusRegistered
	}
	var pid any
	if d.ProcessID > 0 {
		pid = d.ProcessID
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO devices(id, name, port, status, webhook_url, webhook_secret, process_id, created_at, updated_at, last_seen)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULL);`,
		d.ID, d.Name, d.Port, string(d.Status), d.WebhookURL, d.WebhookSecret, pid, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.Device{}, fmt.Errorf("%w: %s", store.ErrExists, d.ID)
		}
		return store.Device{}, err
	}
	return d, nil
}

func (p *DB) Get(ctx context.Context, id string) (store.Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+store.SelectColumns+` FROM devices WHERE id=$1;`, id)
	d, err := store.ScanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return d, err
}

func (p *DB) GetAll(ctx context.Context) ([]store.Device, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+store.SelectColumns+` FROM devices ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanDevices(rows)
}

func (p *DB) Update(ctx context.Context, id string, patch store.Patch) (store.Device, error) {
	if patch.Empty() {
		return p.Get(ctx, id)
	}
	cols := patch.Columns()
	set, args := store.SetClause(cols, time.Now(), dollar)
	args = append(args, id)
	q := `UPDATE devices SET ` + set + ` WHERE id=` + dollar(len(cols)+2) + ` RETURNING ` + store.SelectColumns + `;`
	d, err := store.ScanDevice(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return d, err
}

func (p *DB) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM devices WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}
