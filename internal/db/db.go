package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	sqlite3 "github.com/mattn/go-sqlite3"

	"vitals-ingest/internal/config"
)

// Dialect names the SQL flavour a *DB speaks. Its value is the database/sql
// driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "pgx"
)

// DB is a pooled handle plus the dialect queries must be rebound to.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects using cfg.Driver and validates connectivity with a ping.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*DB, error) {
	dialect := Dialect(cfg.Driver)

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	switch {
	case cfg.LogSQL:
		drv, err := driverFor(dialect)
		if err != nil {
			return nil, err
		}
		connector, err := NewLoggingConnector(drv, dsn, logger)
		if err != nil {
			return nil, err
		}
		conn = sql.OpenDB(connector)
	default:
		conn, err = sql.Open(string(dialect), dsn)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	return &DB{DB: conn, Dialect: dialect}, nil
}

func Close(db *DB) error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func driverFor(d Dialect) (driver.Driver, error) {
	switch d {
	case SQLite:
		return &sqlite3.SQLiteDriver{}, nil
	case Postgres:
		return stdlib.GetDefaultDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", d)
	}
}

func buildDSN(cfg config.Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if Dialect(cfg.Driver) != SQLite {
		return "", fmt.Errorf("DB_DSN is required for driver %q", cfg.Driver)
	}

	path := cfg.Path
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	// WAL lets read endpoints proceed while ingest writes.
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Rebind rewrites ? placeholders to $1, $2, ... for Postgres. Placeholders
// inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Rebind is a shorthand for db.Dialect.Rebind.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// IsUniqueViolation reports whether err is a unique or primary key constraint
// failure from either supported driver.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
