// Package dbtest opens migrated sqlite databases for tests.
package dbtest

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"vitals-ingest/internal/db"
	"vitals-ingest/tools/migrate"
)

// Open returns an in-memory database with every migration applied. The pool
// is pinned to one connection so all callers see the same database.
func Open(t testing.TB) *db.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	return finish(t, conn)
}

// OpenFile returns a file-backed database in t.TempDir(), for tests that need
// real concurrent connections.
func OpenFile(t testing.TB) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return finish(t, conn)
}

func finish(t testing.TB, conn *sql.DB) *db.DB {
	t.Helper()
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	})
	if err := migrate.Run(conn, string(db.SQLite)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &db.DB{DB: conn, Dialect: db.SQLite}
}
