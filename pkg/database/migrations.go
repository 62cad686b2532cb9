package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/core/*.sql
var coreMigrationsFS embed.FS

// MigrationChain is one linear sequence of revisions applied against a
// single butler schema: the shared core chain, the butler-specific chain,
// or one enabled module's chain. Chains are linear within themselves; only
// the root (core) chain may declare a branch label, so module/butler
// chains are plain monotonic sequences here.
type MigrationChain struct {
	// Name identifies the chain for its own independent version-tracking
	// table ("core", a butler name, or a module name) so that sibling
	// chains in the same schema don't collide on golang-migrate's
	// bookkeeping table.
	Name string
	FS   embed.FS
	Dir  string
}

// CoreMigrationChain is the chain every butler schema applies first,
// creating state, scheduled_tasks, and sessions.
func CoreMigrationChain() MigrationChain {
	return MigrationChain{Name: "core", FS: coreMigrationsFS, Dir: "migrations/core"}
}

// MigrationPlan is the full, ordered sequence of chains for one butler:
// core, then the butler-specific chain (if any), then each enabled
// module's chain in dependency topological order (see pkg/module).
type MigrationPlan struct {
	Schema string
	Chains []MigrationChain
}

// ErrDuplicateRevision is returned when a chain's embedded filesystem
// contains two migrations for the same version number.
var ErrDuplicateRevision = errors.New("duplicate migration revision")

// RunMigrations executes a butler's full migration plan against schema,
// idempotently. Each chain tracks its own applied-version state in a
// dedicated schema_migrations table (suffixed by chain name) so that the
// core chain, the butler-specific chain, and every module chain can each
// advance independently within the same Postgres schema. Execution is
// strictly sequential in plan.Chains order: core before butler-specific
// before modules, consistent with the "core → butler-specific → modules
// (in dependency topological order)".
func RunMigrations(db *sql.DB, plan MigrationPlan) error {
	if err := ensureSchemaSQL(db, plan.Schema); err != nil {
		return err
	}

	for _, chain := range plan.Chains {
		if err := runChain(db, plan.Schema, chain); err != nil {
			return fmt.Errorf("migration chain %q: %w", chain.Name, err)
		}
	}
	return nil
}

func ensureSchemaSQL(db *sql.DB, schema string) error {
	_, err := db.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schema)))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

func runChain(db *sql.DB, schema string, chain MigrationChain) error {
	src, err := iofs.New(chain.FS, chain.Dir)
	if err != nil {
		return fmt.Errorf("open migration source: %w", classifyMigrateErr(err))
	}

	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{
		SchemaName:      schema,
		MigrationsTable: "schema_migrations_" + chain.Name,
	})
	if err != nil {
		return fmt.Errorf("open migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, schema, driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return classifyMigrateErr(err)
	}
	return nil
}

// classifyMigrateErr surfaces golang-migrate's dirty-database and
// duplicate-version failures as a fail-fast, startup-blocking error rather
// than a generic wrap: conflicting revisions fail fast and block
// startup.
func classifyMigrateErr(err error) error {
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("%w: database is dirty at version %d, manual intervention required", err, dirty.Version)
	}
	var dup source.ErrDuplicateMigration
	if errors.As(err, &dup) {
		return fmt.Errorf("%w: %v", ErrDuplicateRevision, err)
	}
	return err
}
