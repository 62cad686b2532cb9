package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// sharedDatabase returns a connection string against a real Postgres:
// CI_DATABASE_URL when set (CI service container), otherwise a shared
// testcontainer started once per package. Skips under -short or when no
// container runtime is available.
func sharedDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test, skipped under -short")
	}
	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		return ciURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("butlers_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("postgres testcontainer unavailable: %v", containerErr)
	}
	return sharedConnStr
}

func TestRunMigrations_CoreChainIdempotent(t *testing.T) {
	connStr := sharedDatabase(t)
	db, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	plan := MigrationPlan{Schema: "butler_mig_core", Chains: []MigrationChain{CoreMigrationChain()}}
	require.NoError(t, RunMigrations(db.DB, plan))
	// Second run is a no-op, not an error.
	require.NoError(t, RunMigrations(db.DB, plan))

	for _, table := range []string{"state", "scheduled_tasks", "sessions"} {
		var exists bool
		err := db.Get(&exists, `SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'butler_mig_core' AND table_name = $1)`, table)
		require.NoError(t, err)
		require.True(t, exists, "table %s must exist after core chain", table)
	}
}

func TestRunMigrations_ChainsTrackVersionsIndependently(t *testing.T) {
	connStr := sharedDatabase(t)
	db, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	plan := MigrationPlan{Schema: "butler_mig_chains", Chains: []MigrationChain{CoreMigrationChain()}}
	require.NoError(t, RunMigrations(db.DB, plan))

	var exists bool
	err = db.Get(&exists, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'butler_mig_chains' AND table_name = 'schema_migrations_core')`)
	require.NoError(t, err)
	require.True(t, exists, "each chain keeps its own bookkeeping table")
}

func TestStateRoundTrip_AgainstRealPostgres(t *testing.T) {
	connStr := sharedDatabase(t)
	db, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	const schema = "butler_mig_state"
	plan := MigrationPlan{Schema: schema, Chains: []MigrationChain{CoreMigrationChain()}}
	require.NoError(t, RunMigrations(db.DB, plan))

	ctx := context.Background()
	table := QualifyTable(schema, "state")

	_, err = db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2::jsonb)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		table), "prefs.tone", `{"formal":true}`)
	require.NoError(t, err)

	var raw json.RawMessage
	require.NoError(t, db.GetContext(ctx, &raw, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, table), "prefs.tone"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, true, decoded["formal"])
}
