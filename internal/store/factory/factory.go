package factory

import (
	"errors"
	"strings"

	"github.com/loykin/devisr/internal/store"
	"github.com/loykin/devisr/internal/store/memory"
	pg "github.com/loykin/devisr/internal/store/postgres"
	sq "github.com/loykin/devisr/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - memory: "memory://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "memory://") {
		return memory.New(), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	if strings.Contains(ld, "://") {
		return nil, errors.New("unsupported registry DSN: " + d)
	}
	// default to sqlite path
	return sq.New(d)
}
