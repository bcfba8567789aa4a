// Package dbtest starts a disposable PostgreSQL for store integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/complyflow/internal/database"
)

// EnvEnable must be set for Postgres-backed tests to run.
const EnvEnable = "COMPLYFLOW_PG_TESTS"

// Postgres starts a postgres container, applies migrations and returns a
// pool. The test is skipped unless EnvEnable is set.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv(EnvEnable) == "" {
		t.Skipf("set %s to run Postgres integration tests", EnvEnable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("complyflow"),
		postgres.WithUsername("complyflow"),
		postgres.WithPassword("complyflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Errorf("terminate postgres: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}
