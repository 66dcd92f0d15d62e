// Package dbtest connects tests to a scratch Postgres database.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"shelfledger/internal/database"
)

// Open attempts to connect to a PostgreSQL database for testing. Every caller
// gets its own schema so packages tested in parallel do not truncate each
// other's tables. The schema is migrated and emptied before returning. The
// test is skipped if the connection cannot be established.
func Open(t testing.TB, schema string) *sqlx.DB {
	t.Helper()

	dsn := baseDSN()
	driver := envOr("TEST_DB_DRIVER", "postgres")

	admin, err := sqlx.Open(driver, dsn)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := admin.PingContext(ctx); err != nil {
		t.Skipf("skipping database tests: could not connect to postgres: %v", err)
	}

	if _, err := admin.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		t.Fatalf("failed to create schema %s: %v", schema, err)
	}

	db, err := sqlx.Open(driver, withSearchPath(dsn, schema))
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := database.Migrate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to create tables: %v", err)
	}
	if err := database.Truncate(context.Background(), db); err != nil {
		db.Close()
		t.Fatalf("failed to reset tables: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func baseDSN() string {
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		envOr("PGHOST", "localhost"),
		envOr("PGPORT", "5432"),
		envOr("PGUSER", "user"),
		envOr("PGPASSWORD", "password"),
		envOr("PGDATABASE", "testdb"),
	)
}

// withSearchPath adds search_path as a run-time connection parameter, which
// both lib/pq and pgx forward to the server.
func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return dsn + " search_path=" + schema
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
