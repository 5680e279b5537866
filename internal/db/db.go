// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package db is the metadata store: tenant machine records, trusted host
// keys and the execution audit trail. It runs on SQLite, PostgreSQL or MySQL
// through Bun, with embedded per-dialect migrations.
package db // import "github.com/zyotra/storagelayer/internal/db"

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/zyotra/storagelayer/internal/logging"

	// SQL drivers for the remaining backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	//go:embed migrations
	embeddedMigrations embed.FS
	// sqlOpenFunc allows tests to override database opening behavior.
	sqlOpenFunc = sql.Open
)

// Supported database types.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

func driverName(dbType string) string {
	// The pgx stdlib registers driver name "pgx".
	if dbType == TypePostgres {
		return "pgx"
	}
	return dbType
}

// NewStoreFromDSN opens the database, tunes the pool, runs migrations and
// returns a Store backed by a long-lived *bun.DB.
func NewStoreFromDSN(dbType, dsn string) (*BunStore, error) {
	switch dbType {
	case TypeSQLite, TypePostgres, TypeMySQL:
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
	if dbType == TypeMySQL {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	sqlDB, err := sqlOpenFunc(driverName(dbType), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(sqlDB, dbType, dsn)
	logging.Debugf("db: opened %s in %s", dbType, time.Since(start))

	migStart := time.Now()
	if err := RunMigrations(sqlDB, dbType); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logging.Debugf("db: migrations for %s completed in %s", dbType, time.Since(migStart))
	return &BunStore{bun: createBunDB(sqlDB, dbType), dbType: dbType}, nil
}

// mysqlDSN enables the options the store depends on: multi-statement
// migrations and DATETIME scanning into time.Time.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.MultiStatements = true
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// configurePool applies connection pool limits. Values can be overridden
// via STORAGELAYER_DB_* environment variables.
func configurePool(sqlDB *sql.DB, dbType, dsn string) {
	const (
		defaultMaxOpenConns    = 25
		defaultMaxIdleConns    = 25
		defaultConnMaxLifetime = 5 * time.Minute
		defaultConnMaxIdle     = 60 * time.Second
	)
	maxOpen := envInt("STORAGELAYER_DB_MAX_OPEN_CONNS", defaultMaxOpenConns)
	maxIdle := envInt("STORAGELAYER_DB_MAX_IDLE_CONNS", defaultMaxIdleConns)
	// Each connection to ":memory:" is its own database; pin to one.
	if dbType == TypeSQLite && (dsn == ":memory:" || strings.Contains(dsn, "mode=memory")) {
		maxOpen, maxIdle = 1, 1
	}
	lifetime := defaultConnMaxLifetime
	if n := envInt("STORAGELAYER_DB_CONN_MAX_LIFETIME_SECONDS", -1); n >= 0 {
		lifetime = time.Duration(n) * time.Second
	}
	idle := defaultConnMaxIdle
	if n := envInt("STORAGELAYER_DB_CONN_MAX_IDLE_SECONDS", -1); n >= 0 {
		idle = time.Duration(n) * time.Second
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)
	sqlDB.SetConnMaxIdleTime(idle)
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// createBunDB wraps sqlDB with the dialect for dbType.
func createBunDB(sqlDB *sql.DB, dbType string) *bun.DB {
	switch dbType {
	case TypePostgres:
		return bun.NewDB(sqlDB, pgdialect.New())
	case TypeMySQL:
		return bun.NewDB(sqlDB, mysqldialect.New())
	default:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	}
}

// RunMigrations applies the embedded *.up.sql files for dbType that are not
// yet recorded in schema_migrations, each in its own transaction. MySQL
// connections need multiStatements=true, which NewStoreFromDSN sets.
func RunMigrations(db *sql.DB, dbType string) error {
	migrationsPath := "migrations/" + dbType
	entries, err := fs.ReadDir(embeddedMigrations, migrationsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read embedded migrations (%s): %w", migrationsPath, err)
	}

	var ups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	if err := ensureSchemaMigrationsTable(db, dbType); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	selectQuery := "SELECT 1 FROM schema_migrations WHERE version = ?"
	insertQuery := "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)"
	if dbType == TypePostgres {
		selectQuery = "SELECT 1 FROM schema_migrations WHERE version = $1"
		insertQuery = "INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2)"
	}

	for _, fname := range ups {
		version := strings.TrimSuffix(fname, ".up.sql")

		var exists int
		err := db.QueryRow(selectQuery, version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration version %s: %w", version, err)
		}

		p := path.Join(migrationsPath, fname)
		data, err := embeddedMigrations.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", p, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec(insertQuery, version, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", version, err)
		}
		logging.Debugf("db: applied migration %s", version)
	}
	return nil
}

func ensureSchemaMigrationsTable(db *sql.DB, dbType string) error {
	// MySQL cannot index TEXT without a length.
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP)`
	if dbType == TypeMySQL {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(191) PRIMARY KEY, applied_at TIMESTAMP NULL)`
	}
	_, err := db.Exec(ddl)
	return err
}

// RunDBMaintenance performs engine-specific housekeeping: PRAGMA optimize,
// VACUUM and a WAL checkpoint on SQLite, VACUUM ANALYZE on PostgreSQL and
// OPTIMIZE TABLE on MySQL.
func RunDBMaintenance(ctx context.Context, dbType, dsn string) error {
	sqlDB, err := sqlOpenFunc(driverName(dbType), dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for maintenance: %w", err)
	}
	defer func() { _ = sqlDB.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	switch dbType {
	case TypeSQLite:
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
			return fmt.Errorf("sqlite optimize failed: %w", err)
		}
		if _, err := sqlDB.ExecContext(ctx, "VACUUM;"); err != nil {
			return fmt.Errorf("sqlite vacuum failed: %w", err)
		}
		_, _ = sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
		var res string
		if err := sqlDB.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&res); err != nil {
			return fmt.Errorf("sqlite integrity_check failed: %w", err)
		}
		if res != "ok" {
			return fmt.Errorf("sqlite integrity_check failed: %s", res)
		}
	case TypePostgres:
		if _, err := sqlDB.ExecContext(ctx, "VACUUM ANALYZE;"); err != nil {
			return fmt.Errorf("postgres vacuum failed: %w", err)
		}
	case TypeMySQL:
		for _, table := range []string{"vps_machines", "known_hosts", "execution_log", "execution_steps"} {
			if _, err := sqlDB.ExecContext(ctx, "OPTIMIZE TABLE "+table); err != nil {
				return fmt.Errorf("mysql optimize %s failed: %w", table, err)
			}
		}
	default:
		return fmt.Errorf("unsupported db type for maintenance: %s", dbType)
	}
	return nil
}
