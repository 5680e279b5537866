// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrationsSqlite(t *testing.T) {
	dbConn, err := sql.Open("sqlite", "file:test_migrations?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer func() { _ = dbConn.Close() }()

	if err := RunMigrations(dbConn, TypeSQLite); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	// A second run is a no-op.
	if err := RunMigrations(dbConn, TypeSQLite); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}

	rows, err := dbConn.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		t.Fatalf("query schema_migrations failed: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan version failed: %v", err)
		}
		versions = append(versions, v)
	}
	want := []string{"000001_create_initial_tables", "000002_create_execution_log"}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions = %v, want %v", versions, want)
		}
	}

	for _, table := range []string{"vps_machines", "known_hosts", "execution_log", "execution_steps"} {
		var n int
		if err := dbConn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestEmbeddedMigrationsForEveryDialect(t *testing.T) {
	for _, dialect := range []string{TypeSQLite, TypePostgres, TypeMySQL} {
		entries, err := embeddedMigrations.ReadDir("migrations/" + dialect)
		if err != nil {
			t.Fatalf("%s: %v", dialect, err)
		}
		if len(entries) != 2 {
			t.Errorf("%s: %d migrations, want 2", dialect, len(entries))
		}
	}
}

func TestRunDBMaintenanceSqlite_Smoke(t *testing.T) {
	if err := RunDBMaintenance(context.Background(), TypeSQLite, "file:test_maint?mode=memory&cache=shared"); err != nil {
		t.Fatalf("RunDBMaintenance failed: %v", err)
	}
}
