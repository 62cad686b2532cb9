package ingress

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/audit"
	"github.com/butler-fleet/butlers/pkg/envelope"
)

type recordingRouter struct {
	received chan RouteWork
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{received: make(chan RouteWork, 16)}
}

func (r *recordingRouter) EnqueueRoute(_ context.Context, w RouteWork) {
	r.received <- w
}

func baseIngest() envelope.IngestV1 {
	var env envelope.IngestV1
	env.SchemaVersion = envelope.IngestSchemaVersion
	env.Source.Channel = "telegram"
	env.Source.Provider = "telegram-bot-api"
	env.Source.EndpointIdentity = "bot-123"
	env.Event.ExternalEventID = "update-1"
	env.Event.ObservedAt = time.Now().UTC().Format(time.RFC3339)
	env.Sender.Identity = "user-42"
	env.Payload.NormalizedText = "remind me to call mom"
	env.Payload.Raw = []byte(`{"update_id":1}`)
	return env
}

func TestValidate_RejectsUnsupportedSchemaVersion(t *testing.T) {
	env := baseIngest()
	env.SchemaVersion = "ingest.v2"
	require.Error(t, validate(env))
}

func TestValidate_RejectsMissingSenderIdentity(t *testing.T) {
	env := baseIngest()
	env.Sender.Identity = ""
	require.Error(t, validate(env))
}

func TestDedupeKey_SameTelegramUpdateProducesSameKey(t *testing.T) {
	a := baseIngest()
	b := baseIngest()
	b.Payload.NormalizedText = "a completely different, unrelated body"
	require.Equal(t, dedupeKey(a), dedupeKey(b))
}

func TestDedupeKey_DifferentUpdateIDProducesDifferentKey(t *testing.T) {
	a := baseIngest()
	b := baseIngest()
	b.Event.ExternalEventID = "update-2"
	require.NotEqual(t, dedupeKey(a), dedupeKey(b))
}

func newTestIngress(t *testing.T, router RouteEnqueuer, cfg AdmissionConfig) (*Ingress, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := audit.New(sqlx.NewDb(db, "sqlmock"), "switchboard")
	ing := New(store, cfg, router, nil)
	return ing, mock
}

func TestAccept_NewRequestInsertsAndEnqueuesAsynchronously(t *testing.T) {
	router := newRecordingRouter()
	ing, mock := newTestIngress(t, router, DefaultAdmissionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ing.Start(ctx)
	defer ing.Stop()

	mock.ExpectQuery(`INSERT INTO "switchboard"\."message_inbox"`).
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}).AddRow("11111111-1111-1111-1111-111111111111"))

	acc, err := ing.Accept(ctx, baseIngest())
	require.NoError(t, err)
	require.Equal(t, "accepted", acc.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())

	select {
	case w := <-router.received:
		require.Equal(t, "remind me to call mom", w.NormalizedText)
	case <-time.After(2 * time.Second):
		t.Fatal("expected routing work to be dispatched asynchronously")
	}
}

func TestAccept_ConflictingDedupeKeyReturnsDedupedOutcome(t *testing.T) {
	router := newRecordingRouter()
	ing, mock := newTestIngress(t, router, DefaultAdmissionConfig())

	mock.ExpectQuery(`INSERT INTO "switchboard"\."message_inbox"`).
		WillReturnError(noRowsError())
	mock.ExpectQuery(`SELECT request_id FROM "switchboard"\."message_inbox"`).
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}).AddRow("22222222-2222-2222-2222-222222222222"))

	acc, err := ing.Accept(context.Background(), baseIngest())
	require.NoError(t, err)
	require.Equal(t, "deduped", acc.Outcome)
	require.Equal(t, "22222222-2222-2222-2222-222222222222", acc.RequestID.String())
}

func TestAccept_RejectsUnsupportedSchemaVersionBeforeAnyDBCall(t *testing.T) {
	ing, mock := newTestIngress(t, newRecordingRouter(), DefaultAdmissionConfig())
	env := baseIngest()
	env.SchemaVersion = "ingest.v2"

	_, err := ing.Accept(context.Background(), env)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// noRowsError mirrors the standard library's sql.ErrNoRows message,
// which is what the audit store's InsertCanonical checks for on an
// ON CONFLICT DO NOTHING insert that matched an existing row.
func noRowsError() error { return errNoRows{} }

type errNoRows struct{}

func (errNoRows) Error() string { return "sql: no rows in result set" }
