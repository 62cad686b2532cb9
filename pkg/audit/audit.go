// Package audit implements inbox and routing-log persistence: the
// month-partitioned ingest inbox, the append-only routing log, and the
// monthly-partition maintenance helper shared by the Switchboard layers.
// Messenger's delivery_requests/_attempts/_receipts/_dead_letter tables
// are a separate migration chain owned by pkg/messenger, since only
// Messenger's schema needs them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

// MigrationChain is Switchboard's inbox/routing-log schema contribution.
func MigrationChain() database.MigrationChain {
	return database.MigrationChain{Name: "audit", FS: migrationsFS, Dir: "migrations"}
}

// Store is the inbox + routing log repository, scoped to Switchboard's
// schema.
type Store struct {
	db          *sqlx.DB
	inbox       string
	routingLog  string
	heartbeats  string
}

func New(db *sqlx.DB, schema string) *Store {
	return &Store{
		db:         db,
		inbox:      database.QualifyTable(schema, "message_inbox"),
		routingLog: database.QualifyTable(schema, "routing_log"),
		heartbeats: database.QualifyTable(schema, "connector_heartbeat_log"),
	}
}

// InsertResult reports whether the ingest was newly accepted or deduped
// against an existing canonical request.
type InsertResult struct {
	RequestID string
	Deduped   bool
}

// InsertCanonical attempts to create a new message_inbox row keyed by
// dedupeKey. On unique-index conflict it returns the existing row's
// request_id with Deduped=true and writes nothing new.
func (s *Store) InsertCanonical(ctx context.Context, dedupeKey, requestID string, reqCtx models.RequestContext, rawPayload json.RawMessage, normalizedText string) (InsertResult, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (request_id, dedupe_key, request_context, raw_payload, normalized_text, lifecycle_state, received_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, 'PROGRESS', now())
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING request_id`, s.inbox)

	var returnedID string
	err := s.db.QueryRowContext(ctx, query, requestID, dedupeKey, string(mustJSON(reqCtx)), string(rawPayload), normalizedText).Scan(&returnedID)
	if err == nil {
		return InsertResult{RequestID: returnedID, Deduped: false}, nil
	}
	if err.Error() != "sql: no rows in result set" {
		return InsertResult{}, fmt.Errorf("audit: insert canonical request: %w", err)
	}

	existing, ferr := s.findByDedupeKey(ctx, dedupeKey)
	if ferr != nil {
		return InsertResult{}, fmt.Errorf("audit: resolve deduped request: %w", ferr)
	}
	return InsertResult{RequestID: existing, Deduped: true}, nil
}

func (s *Store) findByDedupeKey(ctx context.Context, dedupeKey string) (string, error) {
	query := fmt.Sprintf(`SELECT request_id FROM %s WHERE dedupe_key = $1`, s.inbox)
	var id string
	err := s.db.GetContext(ctx, &id, query, dedupeKey)
	return id, err
}

// MarkParsed finalizes a request as PARSED (all required subroutes
// succeeded).
func (s *Store) MarkParsed(ctx context.Context, requestID, responseSummary string, classification json.RawMessage, dispatchOutcomes json.RawMessage) error {
	return s.finalize(ctx, requestID, models.LifecyclePARSED, responseSummary, classification, dispatchOutcomes)
}

// MarkErrored finalizes a request as ERRORED with an actionable
// user-visible message.
func (s *Store) MarkErrored(ctx context.Context, requestID, responseSummary string, classification json.RawMessage, dispatchOutcomes json.RawMessage) error {
	return s.finalize(ctx, requestID, models.LifecycleERRORED, responseSummary, classification, dispatchOutcomes)
}

func (s *Store) finalize(ctx context.Context, requestID string, state models.LifecycleState, summary string, classification, dispatchOutcomes json.RawMessage) error {
	query := fmt.Sprintf(`
		UPDATE %s SET lifecycle_state = $2, response_summary = $3, classification_result = $4::jsonb,
		              dispatch_outcomes = $5::jsonb, completed_at = now()
		WHERE request_id = $1`, s.inbox)
	_, err := s.db.ExecContext(ctx, query, requestID, state, summary, string(classification), string(dispatchOutcomes))
	if err != nil {
		return fmt.Errorf("audit: finalize request %s: %w", requestID, err)
	}
	return nil
}

// Get returns the inbox row for a request_id.
func (s *Store) Get(ctx context.Context, requestID string) (*models.MessageInbox, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE request_id = $1`, s.inbox)
	var row models.MessageInbox
	if err := s.db.GetContext(ctx, &row, query, requestID); err != nil {
		return nil, fmt.Errorf("audit: get inbox row %s: %w", requestID, err)
	}
	return &row, nil
}

// AppendRoutingLog records one dispatched subrequest (append-only,
// one row per dispatch).
func (s *Store) AppendRoutingLog(ctx context.Context, entry models.RoutingLogEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (request_id, subrequest_id, segment_id, target_butler, tool, outcome, error_class, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.routingLog)
	_, err := s.db.ExecContext(ctx, query, entry.RequestID, entry.SubrequestID, entry.SegmentID,
		entry.TargetButler, entry.Tool, entry.Outcome, entry.ErrorClass, entry.DurationMs, entry.StartedAt)
	if err != nil {
		return fmt.Errorf("audit: append routing log: %w", err)
	}
	return nil
}

// EnsureMonthPartition creates the message_inbox partition covering
// month, idempotently. Safe to call
// repeatedly, e.g. from a daily scheduler task.
func (s *Store) EnsureMonthPartition(ctx context.Context, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	partName := fmt.Sprintf("message_inbox_%04d%02d", start.Year(), start.Month())

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF %s
		FOR VALUES FROM ('%s') TO ('%s')`,
		database.QuoteIdent(partName), s.inbox, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("audit: ensure partition %s: %w", partName, err)
	}
	return nil
}

// DropRetiredPartitions drops message_inbox partitions older than
// retention.
func (s *Store) DropRetiredPartitions(ctx context.Context, olderThan time.Time) error {
	cutoff := fmt.Sprintf("message_inbox_%04d%02d", olderThan.Year(), olderThan.Month())
	query := fmt.Sprintf(`
		SELECT tablename FROM pg_tables
		WHERE tablename LIKE 'message_inbox_2%%' AND tablename < $1`)
	var names []string
	if err := s.db.SelectContext(ctx, &names, query, cutoff); err != nil {
		return fmt.Errorf("audit: list retired partitions: %w", err)
	}
	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, database.QuoteIdent(name))); err != nil {
			return fmt.Errorf("audit: drop partition %s: %w", name, err)
		}
	}
	return nil
}

// AppendHeartbeat records one connector.heartbeat.v1 signal.
// Heartbeats are fail-open telemetry; callers should log rather
// than abort a connector's poll loop on error.
func (s *Store) AppendHeartbeat(ctx context.Context, endpointIdentity, channel string, cursorPosition string, observedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (endpoint_identity, channel, cursor_position, observed_at)
		VALUES ($1, $2, $3, $4)`, s.heartbeats)
	var cursor *string
	if cursorPosition != "" {
		cursor = &cursorPosition
	}
	_, err := s.db.ExecContext(ctx, query, endpointIdentity, channel, cursor, observedAt)
	if err != nil {
		return fmt.Errorf("audit: append connector heartbeat: %w", err)
	}
	return nil
}

// DropRetiredHeartbeats deletes connector_heartbeat_log rows older than
// retention.
func (s *Store) DropRetiredHeartbeats(ctx context.Context, olderThan time.Time) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE received_at < $1`, s.heartbeats)
	if _, err := s.db.ExecContext(ctx, query, olderThan); err != nil {
		return fmt.Errorf("audit: drop retired heartbeats: %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
