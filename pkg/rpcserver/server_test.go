package rpcserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/audit"
	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/state"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
)

func newTestDeps(t *testing.T) (Deps, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	manifest := &config.Manifest{Butler: config.ButlerIdentity{Name: "relationship", Port: 9001}}
	deps := Deps{
		ButlerName: "relationship",
		Manifest:   manifest,
		State:      state.New(sqlxDB, "butler_relationship"),
	}
	return deps, mock
}

func TestHandleStatus_ReturnsButlerIdentity(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"butler":"relationship"`)
}

func TestHandleStatus_ReportsDBHealth(t *testing.T) {
	deps, _ := newTestDeps(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	deps.DB = &database.Client{DB: sqlx.NewDb(db, "sqlmock")}
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"db":`)
	require.Contains(t, rec.Body.String(), `"healthy":true`)
}

func TestHandleTrigger_RejectsEmptyPrompt(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodPost, "/trigger", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRouteExecute_RejectsUntrustedCaller(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.RouteExecute = func(_ context.Context, _ envelope.RouteV1) envelope.RouteResponseV1 {
		t.Fatal("RouteExecute must not run for an untrusted caller")
		return envelope.RouteResponseV1{}
	}
	srv := New(deps, nil)

	body := `{"schema_version":"route.v1","source_metadata":{"identity":"some-random-bot"}}`
	req := httptest.NewRequest(http.MethodPost, "/route.execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "validation_error")
}

func TestHandleRouteExecute_AllowsDefaultTrustedCaller(t *testing.T) {
	deps, _ := newTestDeps(t)
	called := false
	deps.RouteExecute = func(_ context.Context, env envelope.RouteV1) envelope.RouteResponseV1 {
		called = true
		return envelope.RouteResponseV1{SchemaVersion: envelope.RouteResponseSchemaVersion, Status: "ok"}
	}
	srv := New(deps, nil)

	body := `{"schema_version":"route.v1","source_metadata":{"identity":"switchboard"}}`
	req := httptest.NewRequest(http.MethodPost, "/route.execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
}

func TestHandleStateSetThenGet_RoundTrips(t *testing.T) {
	deps, mock := newTestDeps(t)
	srv := New(deps, nil)

	mock.ExpectExec(`INSERT INTO "butler_relationship"\."state"`).
		WithArgs("favorite_color", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	setReq := httptest.NewRequest(http.MethodPut, "/state/favorite_color", strings.NewReader(`"blue"`))
	setRec := httptest.NewRecorder()
	srv.echo.ServeHTTP(setRec, setReq)
	require.Equal(t, http.StatusNoContent, setRec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

type recordingRouteEnqueuer struct{ got []ingress.RouteWork }

func (r *recordingRouteEnqueuer) EnqueueRoute(_ context.Context, w ingress.RouteWork) {
	r.got = append(r.got, w)
}

func TestHandleIngest_AcceptsAndReturnsRequestID(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.ButlerName = "switchboard"

	db, auditMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := audit.New(sqlx.NewDb(db, "sqlmock"), "switchboard")
	auditMock.ExpectQuery(`INSERT INTO "switchboard"\."message_inbox"`).
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}).AddRow("11111111-1111-1111-1111-111111111111"))

	router := &recordingRouteEnqueuer{}
	deps.Ingress = ingress.New(store, ingress.DefaultAdmissionConfig(), router, nil)
	srv := New(deps, nil)

	body := `{"schema_version":"ingest.v1","source":{"channel":"telegram"},"event":{"external_event_id":"e1"},"sender":{"identity":"u1"},"payload":{"normalized_text":"hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"outcome":"accepted"`)
	require.NoError(t, auditMock.ExpectationsWereMet())
}

type fakeHeartbeatSink struct {
	endpoint, channel, cursor string
	observedAt                time.Time
}

func (f *fakeHeartbeatSink) AppendHeartbeat(_ context.Context, endpointIdentity, channel, cursorPosition string, observedAt time.Time) error {
	f.endpoint, f.channel, f.cursor, f.observedAt = endpointIdentity, channel, cursorPosition, observedAt
	return nil
}

func TestHandleConnectorHeartbeat_PersistsAndAcknowledges(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.ButlerName = "switchboard"
	sink := &fakeHeartbeatSink{}
	deps.Heartbeats = sink
	srv := New(deps, nil)

	body := `{"schema_version":"connector.heartbeat.v1","endpoint_identity":"telegram-bot-1","channel":"telegram","observed_at":"2026-07-31T00:00:00Z","cursor_position":"42"}`
	req := httptest.NewRequest(http.MethodPost, "/connectors/heartbeat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "telegram-bot-1", sink.endpoint)
	require.Equal(t, "42", sink.cursor)
}

func TestHandleIngest_NotRegisteredWhenDepsIngressNil(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
