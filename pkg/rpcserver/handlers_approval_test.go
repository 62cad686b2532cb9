package rpcserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/approval"
	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/state"
)

func newApprovalTestDeps(t *testing.T) (Deps, sqlmock.Sqlmock, *approval.TokenVerifier) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	verifier := approval.NewTokenVerifier([]byte("test-secret"))
	gate := approval.New(sqlxDB, "butler_relationship", map[string]bool{}, func(ctx context.Context, toolName string, args map[string]any) (any, error) {
		return "ok", nil
	})

	manifest := &config.Manifest{Butler: config.ButlerIdentity{Name: "relationship", Port: 9001}}
	deps := Deps{
		ButlerName:    "relationship",
		Manifest:      manifest,
		State:         state.New(sqlxDB, "butler_relationship"),
		Approval:      gate,
		ActorVerifier: verifier,
	}
	return deps, mock, verifier
}

func TestHandleApprovalApprove_RejectsMissingToken(t *testing.T) {
	deps, _, _ := newApprovalTestDeps(t)
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodPost, "/approvals/abc/approve", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleApprovalApprove_RejectsNonHumanActor(t *testing.T) {
	deps, _, verifier := newApprovalTestDeps(t)
	srv := New(deps, nil)

	token, err := verifier.Issue("service-account", false, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/approvals/abc/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleApprovalApprove_ExecutesForHumanActor(t *testing.T) {
	deps, mock, verifier := newApprovalTestDeps(t)
	srv := New(deps, nil)

	mock.ExpectQuery(`SELECT \* FROM "butler_relationship"\."approval_actions" WHERE action_id = \$1`).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"action_id", "tool_name", "args", "requested_at", "expires_at", "status"}).
			AddRow("abc", "user_telegram_send", []byte(`{}`), time.Now(), time.Now().Add(time.Hour), "pending"))
	mock.ExpectExec(`UPDATE "butler_relationship"\."approval_actions" SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := verifier.Issue("alice", true, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/approvals/abc/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleApprovalApprove_NotRegisteredWhenDepsApprovalNil(t *testing.T) {
	deps, _ := newTestDeps(t)
	srv := New(deps, nil)

	req := httptest.NewRequest(http.MethodPost, "/approvals/abc/approve", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
