// Package testutil provides shared test helpers, mirroring the shape of
// the upstream shared/testutil package (source not available in this
// tree, reconstructed from its call sites): a real-Postgres pool for
// tests that exercise SQL the fakes in package-level tests don't cover,
// skipped when no test database is configured.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

const testDatabaseURLEnv = "EDIT_WORKER_TEST_DATABASE_URL"

// NewPostgresTestPool returns a pool connected to the database named by
// EDIT_WORKER_TEST_DATABASE_URL, skipping the calling test when that
// variable is unset so the suite runs without a live database by default.
func NewPostgresTestPool(t *testing.T) (*pgxpool.Pool, string, func()) {
	t.Helper()
	dsn := os.Getenv(testDatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set; skipping Postgres integration test", testDatabaseURLEnv)
		return nil, "", func() {}
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	cleanup := func() { pool.Close() }
	return pool, dsn, cleanup
}
