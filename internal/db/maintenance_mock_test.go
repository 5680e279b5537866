// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func withMockOpen(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	orig := sqlOpenFunc
	sqlOpenFunc = func(driverName, dsn string) (*sql.DB, error) { return dbMock, nil }
	t.Cleanup(func() {
		sqlOpenFunc = orig
		_ = dbMock.Close()
	})
	return mock
}

func TestRunDBMaintenance_Sqlite_WithMock_Success(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA wal_checkpoint\\(").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("ok"))

	if err := RunDBMaintenance(context.Background(), TypeSQLite, "whatever"); err != nil {
		t.Fatalf("expected RunDBMaintenance success, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunDBMaintenance_Sqlite_WithMock_Corrupt(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("PRAGMA optimize").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("VACUUM").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("PRAGMA wal_checkpoint\\(").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("PRAGMA integrity_check").WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("page 3 is never used"))

	if err := RunDBMaintenance(context.Background(), TypeSQLite, "whatever"); err == nil {
		t.Fatalf("expected integrity failure")
	}
}

func TestRunDBMaintenance_Postgres_WithMock(t *testing.T) {
	mock := withMockOpen(t)
	mock.ExpectExec("VACUUM ANALYZE").WillReturnError(errors.New("permission denied"))
	if err := RunDBMaintenance(context.Background(), TypePostgres, "whatever"); err == nil {
		t.Fatalf("expected error when VACUUM fails")
	}
}

func TestRunDBMaintenance_UnsupportedType(t *testing.T) {
	withMockOpen(t)
	if err := RunDBMaintenance(context.Background(), "oracle", "x"); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestLookupMachine_DriverErrorIsNotNotFound(t *testing.T) {
	dbMock, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = dbMock.Close() }()
	s := &BunStore{bun: bun.NewDB(dbMock, sqlitedialect.New()), dbType: TypeSQLite}

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset by peer"))
	_, err = s.LookupMachine(context.Background(), "5")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("driver failure must surface as an error distinct from ErrNotFound, got %v", err)
	}
}
