package store

import (
	"database/sql"
	"strings"
	"time"
)

// SelectColumns is the column order expected by ScanDevice.
const SelectColumns = `id, name, port, status, webhook_url, webhook_secret, process_id, created_at, updated_at, last_seen`

type scanner interface {
	Scan(dest ...any) error
}

// ScanDevice reads one row selected with SelectColumns.
func ScanDevice(row scanner) (Device, error) {
	var (
		d        Device
		status   string
		pid      sql.NullInt64
		lastSeen sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Port, &status, &d.WebhookURL, &d.WebhookSecret,
		&pid, &d.CreatedAt, &d.UpdatedAt, &lastSeen); err != nil {
		return Device{}, err
	}
	d.Status = Status(status)
	if pid.Valid {
		d.ProcessID = int(pid.Int64)
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time.UTC()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

// ScanDevices drains rows into a slice.
func ScanDevices(rows *sql.Rows) ([]Device, error) {
	var out []Device
	for rows.Next() {
		d, err := ScanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetClause renders "a=?, b=?" (or "$n" placeholders) for cols followed by updated_at.
// It returns the clause and the argument list, with now appended for updated_at.
func SetClause(cols []Column, now time.Time, placeholder func(i int) string) (string, []any) {
	parts := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		parts = append(parts, c.Name+"="+placeholder(i+1))
		args = append(args, c.Value)
	}
	parts = append(parts, "updated_at="+placeholder(len(cols)+1))
	args = append(args, now.UTC())
	return strings.Join(parts, ", "), args
}

// IsUniqueViolation reports whether err looks like a primary key conflict on either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
