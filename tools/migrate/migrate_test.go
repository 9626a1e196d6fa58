package migrate

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_appliesAllOnceInOrder(t *testing.T) {
	db := openMemory(t)

	if err := Run(db, "sqlite3"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := Run(db, "sqlite3"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		versions = append(versions, v)
	}
	if len(versions) != 3 || versions[0] != "0001" || versions[2] != "0003" {
		t.Fatalf("versions = %v", versions)
	}

	pending, err := Pending(db, "sqlite3")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %v; want none", pending)
	}
}

func TestRun_schemaEnforcesDedupKey(t *testing.T) {
	db := openMemory(t)
	if err := Run(db, "sqlite3"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO devices (device_id, created_at) VALUES ('dev-1', '2025-01-01T00:00:00.000000000Z')`); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	insert := `INSERT INTO telemetry_records (id, device_id, observed_at_seconds, received_at) VALUES (?, 'dev-1', ?, '2025-01-01T00:00:00.000000000Z')`
	if _, err := db.Exec(insert, "a", 100); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert, "b", 100); err == nil {
		t.Fatal("expected unique violation for repeated (device_id, observed_at_seconds)")
	}
	if _, err := db.Exec(insert, "c", nil); err != nil {
		t.Fatalf("null timestamp insert: %v", err)
	}
	if _, err := db.Exec(insert, "d", nil); err != nil {
		t.Fatalf("second null timestamp insert: %v", err)
	}
}

func TestLoad_postgresMatchesSQLite(t *testing.T) {
	lite, err := load("sqlite3")
	if err != nil {
		t.Fatalf("load sqlite: %v", err)
	}
	pg, err := load("pgx")
	if err != nil {
		t.Fatalf("load postgres: %v", err)
	}
	if len(lite) != len(pg) {
		t.Fatalf("sqlite has %d migrations, postgres %d", len(lite), len(pg))
	}
	for i := range lite {
		if lite[i].Version != pg[i].Version || lite[i].Name != pg[i].Name {
			t.Errorf("migration %d differs: %s_%s vs %s_%s", i, lite[i].Version, lite[i].Name, pg[i].Version, pg[i].Name)
		}
	}
	if _, err := load("mysql"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		in      string
		version string
		name    string
		ok      bool
	}{
		{"0001_devices.sql", "0001", "devices", true},
		{"0010_add_index.sql", "0010", "add_index", true},
		{"1_short.sql", "", "", false},
		{"0001_devices.txt", "", "", false},
	}
	for _, tt := range tests {
		v, n, ok := parseMigrationFilename(tt.in)
		if v != tt.version || n != tt.name || ok != tt.ok {
			t.Errorf("parseMigrationFilename(%q) = %q, %q, %v", tt.in, v, n, ok)
		}
	}
}
