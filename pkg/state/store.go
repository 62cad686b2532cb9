// Package state implements the per-butler key→JSON state store:
// get/set/delete/list with prefix, last-write-wins.
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

// Store operates against one butler's state table.
type Store struct {
	db     *sqlx.DB
	schema string
	table  string
}

// New returns a Store scoped to the given butler schema.
func New(db *sqlx.DB, schema string) *Store {
	return &Store{db: db, schema: schema, table: database.QualifyTable(schema, "state")}
}

// Get returns the stored value for key, or (nil, false, nil) if absent.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var entry models.StateEntry
	query := fmt.Sprintf(`SELECT key, value, updated_at FROM %s WHERE key = $1`, s.table)
	err := s.db.GetContext(ctx, &entry, query, key)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("state get %q: %w", key, err)
	}
	return entry.Value.Raw, true, nil
}

// Set upserts a key, overwriting whatever was there (last-write-wins,
// entries.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, models.JSONValue{Raw: value}); err != nil {
		return fmt.Errorf("state set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("state delete %q: %w", key, err)
	}
	return nil
}

// List returns every entry whose key has the given prefix (empty prefix
// matches all), ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]models.StateEntry, error) {
	query := fmt.Sprintf(`SELECT key, value, updated_at FROM %s WHERE key LIKE $1 ORDER BY key`, s.table)
	var entries []models.StateEntry
	if err := s.db.SelectContext(ctx, &entries, query, likePrefix(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("state list prefix %q: %w", prefix, err)
	}
	return entries, nil
}

// likePrefix escapes SQL LIKE metacharacters present in a caller-supplied
// prefix so that "%"/"_" in a key prefix don't act as wildcards.
func likePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
