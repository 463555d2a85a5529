package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN returns a DSN for a PostgreSQL container shared by the whole
// test binary. It skips the test under -short or when no container runtime
// is available.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	skipShort(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		pgC, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stepwise_test"),
			postgres.WithUsername("stepwise"),
			postgres.WithPassword("stepwise"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2),
					// Actively verify SQL connectivity through the mapped port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://stepwise:stepwise@%s:%s/stepwise_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
		)
		if err != nil {
			pgErr = err
			return
		}
		register(pgC)

		pgDSN, pgErr = pgC.ConnectionString(ctx, "sslmode=disable")
	})

	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}
