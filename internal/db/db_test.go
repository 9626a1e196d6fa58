package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/mattn/go-sqlite3"

	"vitals-ingest/internal/config"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, `SELECT * FROM t WHERE a = ? AND b = ?`, `SELECT * FROM t WHERE a = ? AND b = ?`},
		{Postgres, `SELECT * FROM t WHERE a = ? AND b = ?`, `SELECT * FROM t WHERE a = $1 AND b = $2`},
		{Postgres, `SELECT '?' FROM t WHERE a = ?`, `SELECT '?' FROM t WHERE a = $1`},
		{Postgres, `SELECT 1`, `SELECT 1`},
	}
	for _, tt := range tests {
		if got := tt.dialect.Rebind(tt.in); got != tt.want {
			t.Errorf("%s.Rebind(%q) = %q; want %q", tt.dialect, tt.in, got, tt.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close() }()
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(`CREATE TABLE t (a INTEGER, b INTEGER); CREATE UNIQUE INDEX t_ab ON t(a, b)`); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO t (a, b) VALUES (1, 2)`); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, dupErr := conn.Exec(`INSERT INTO t (a, b) VALUES (1, 2)`)
	if !IsUniqueViolation(dupErr) {
		t.Errorf("sqlite duplicate not recognised: %v", dupErr)
	}
	if !IsUniqueViolation(fmt.Errorf("commit: %w", dupErr)) {
		t.Error("wrapped sqlite duplicate not recognised")
	}

	// NULLs never collide under a unique index.
	for i := 0; i < 2; i++ {
		if _, err := conn.Exec(`INSERT INTO t (a, b) VALUES (1, NULL)`); err != nil {
			t.Fatalf("null insert %d: %v", i, err)
		}
	}

	_, otherErr := conn.Exec(`INSERT INTO missing VALUES (1)`)
	if IsUniqueViolation(otherErr) {
		t.Errorf("non-constraint error misclassified: %v", otherErr)
	}

	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("postgres 23505 not recognised")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("postgres FK violation misclassified")
	}
	if IsUniqueViolation(errors.New("boom")) || IsUniqueViolation(nil) {
		t.Error("plain errors misclassified")
	}
}

func TestFormatAndParseTime(t *testing.T) {
	in := time.Date(2025, 1, 2, 3, 4, 5, 6, time.FixedZone("x", 3600))
	s := FormatTime(in)
	if s != "2025-01-02T02:04:05.000000006Z" {
		t.Fatalf("FormatTime = %q", s)
	}
	out, err := ParseTime(s)
	if err != nil || !out.Equal(in) {
		t.Fatalf("ParseTime = %v, %v; want %v", out, err, in)
	}
	if _, err := ParseTime("2025-01-02T02:04:05Z"); err != nil {
		t.Errorf("RFC3339 fallback: %v", err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage")
	}
	if NullTime(time.Time{}) != nil {
		t.Error("NullTime(zero) should be nil")
	}
}

func TestOpen_sqliteFile(t *testing.T) {
	cfg := config.Config{
		Driver:       "sqlite3",
		Path:         filepath.Join(t.TempDir(), "nested", "app.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}
	conn, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = Close(conn) }()
	if conn.Dialect != SQLite {
		t.Errorf("dialect = %q", conn.Dialect)
	}

	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q; want wal", mode)
	}
}

func TestOpen_withSQLLogging(t *testing.T) {
	cfg := config.Config{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "log.db"), LogSQL: true}
	conn, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = Close(conn) }()
	var one int
	if err := conn.QueryRow(`SELECT 1`).Scan(&one); err != nil || one != 1 {
		t.Fatalf("select: %v %d", err, one)
	}
}
