// Package testutil holds shared helpers for Postgres-backed tests.
package testutil

import (
	"RebaseLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Tables truncated between tests sharing one database.
var ledgerTables = []string{
	"event_log.events",
	"event_log.journal",
	"event_log.snapshots",
	"projections.holders",
	"projections.rate_history",
	"projections.allowances",
}

// SetupTestDB returns a migrated Postgres database for one test.
//
// TEST_POSTGRES_DSN points at an existing server; otherwise a postgres:16
// container is started. The test is skipped in -short mode or when no
// container runtime is available.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Postgres test in -short mode")
	}

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = startContainer(t)
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx))

	migrator := persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop())
	require.NoError(t, migrator.Up(ctx))

	TruncateAll(t, db)
	return db
}

// TruncateAll empties every ledger table and resets the projection watermark.
func TruncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range ledgerTables {
		_, err := db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		require.NoError(t, err)
	}
	_, err := db.Exec(`UPDATE projections.watermark SET last_sequence = 0`)
	require.NoError(t, err)
}

func startContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rebaseledger_test"),
		postgres.WithUsername("rebase_test"),
		postgres.WithPassword("rebase_test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{
			"test":      "rebaseledger",
			"test-name": t.Name(),
		}),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}
