// Package migrate applies the embedded schema migrations for a dialect,
// tracked in a schema_migrations table. Files live under sql/<dialect>/ and
// are named with a 4-digit version prefix: 0001_name.sql, 0002_other.sql.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"time"
)

//go:embed sql/sqlite/*.sql sql/postgres/*.sql
var sqlFS embed.FS

const tableName = "schema_migrations"

var migrationFileRe = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// dirFor maps a database/sql driver name to its migration directory.
func dirFor(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return "sql/sqlite", nil
	case "pgx":
		return "sql/postgres", nil
	default:
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
}

type Migration struct {
	Version string
	Name    string
	body    string
}

// Run ensures the schema_migrations table exists, then applies any embedded
// migrations for driver that have not yet been run, in version order.
func Run(db *sql.DB, driver string) error {
	all, err := load(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := apply(db, driver, m); err != nil {
			return fmt.Errorf("apply %s_%s.sql: %w", m.Version, m.Name, err)
		}
		slog.Info("migration applied", "version", m.Version, "name", m.Name, "driver", driver)
	}
	return nil
}

// Pending lists the migrations for driver that Run would apply.
func Pending(db *sql.DB, driver string) ([]Migration, error) {
	all, err := load(driver)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(db); err != nil {
		return nil, fmt.Errorf("ensure migrations table: %w", err)
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out, nil
}

func load(driver string) ([]Migration, error) {
	dir, err := dirFor(driver)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(sqlFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(sqlFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM " + tableName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func parseMigrationFilename(filename string) (version, name string, ok bool) {
	m := migrationFileRe.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func apply(db *sql.DB, driver string, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.body); err != nil {
		return err
	}
	insert := "INSERT INTO " + tableName + " (version, name, applied_at) VALUES (?, ?, ?)"
	if driver == "pgx" {
		insert = "INSERT INTO " + tableName + " (version, name, applied_at) VALUES ($1, $2, $3)"
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(insert, m.Version, m.Name, appliedAt); err != nil {
		return err
	}
	return tx.Commit()
}
