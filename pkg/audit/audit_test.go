package audit

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/models"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(sqlx.NewDb(db, "sqlmock"), "switchboard"), mock
}

func TestEnsureMonthPartition_NamesPartitionByMonth(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "message_inbox_202603"`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.EnsureMonthPartition(t.Context(), time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRoutingLog_Inserts(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO "switchboard"\."routing_log"`).WillReturnResult(sqlmock.NewResult(1, 1))

	entry := models.RoutingLogEntry{
		RequestID:    uuid.Must(uuid.NewV7()),
		TargetButler: "health",
		Tool:         "route.execute",
		Outcome:      "ok",
		DurationMs:   120,
		StartedAt:    time.Now(),
	}
	err := store.AppendRoutingLog(t.Context(), entry)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHeartbeat_Inserts(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO "switchboard"\."connector_heartbeat_log"`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendHeartbeat(t.Context(), "telegram-bot-1", "telegram", "1234", time.Now())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDropRetiredHeartbeats_Deletes(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec(`DELETE FROM "switchboard"\."connector_heartbeat_log"`).WillReturnResult(sqlmock.NewResult(0, 3))

	err := store.DropRetiredHeartbeats(t.Context(), time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
