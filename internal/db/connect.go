package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chorushq/chorus/internal/db/dialect"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver   string // dialect.SQLite3 (default) or dialect.PGX
	Path     string // SQLite file path
	DSN      string // Postgres connection string
	MaxConns int
	MinConns int
}

// Connect opens the writer/reader pool for the configured driver. SQLite
// gets a single-connection writer plus a read-only reader pool; Postgres
// shares one pgx-managed pool for both roles.
func Connect(cfg Config) (*Pool, error) {
	switch cfg.Driver {
	case dialect.PGX:
		raw, err := OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, dialect.PGX)
		return NewPool(shared, shared), nil

	case "", dialect.SQLite3:
		rawWriter, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		rawReader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = rawWriter.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(rawWriter, dialect.SQLite3),
			sqlx.NewDb(rawReader, dialect.SQLite3),
		), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
