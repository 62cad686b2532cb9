package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
)

var errUniqueViolation = fmt.Errorf("duplicate key value violates unique constraint")

type fakeProvider struct {
	channel string
	result  ProviderResult
	err     error
	calls   int
}

func (f *fakeProvider) Channel() string { return f.channel }
func (f *fakeProvider) Deliver(_ context.Context, _, _ string, _ DeliveryContext) (ProviderResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestEngine(t *testing.T, providers ...Provider) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := DefaultConfig
	cfg.MaxAttempts = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	e := New(sqlx.NewDb(db, "sqlmock"), "butler_messenger", providers, cfg, slog.Default())
	return e, mock
}

func baseNotify(message string) envelope.NotifyV1 {
	recipient := "12345"
	return envelope.NotifyV1{
		SchemaVersion: envelope.NotifySchemaVersion,
		OriginButler:  "relationship",
		Delivery: envelope.NotifyDelivery{
			Intent:    models.IntentSend,
			Channel:   "telegram",
			Message:   &message,
			Recipient: &recipient,
		},
	}
}

func TestValidate_RejectsUnknownChannel(t *testing.T) {
	e, _ := newTestEngine(t, &fakeProvider{channel: "telegram"})
	req := baseNotify("hi")
	req.Delivery.Channel = "carrier_pigeon"
	err := e.validate(req)
	require.Error(t, err)
}

func TestValidate_SendRequiresTarget(t *testing.T) {
	e, _ := newTestEngine(t, &fakeProvider{channel: "telegram"})
	req := baseNotify("hi")
	req.Delivery.Recipient = nil
	req.Delivery.ContactID = nil
	err := e.validate(req)
	require.Error(t, err)
}

func TestValidate_ReactRequiresEmoji(t *testing.T) {
	e, _ := newTestEngine(t, &fakeProvider{channel: "telegram"})
	req := baseNotify("")
	req.Delivery.Intent = models.IntentReact
	req.Delivery.Message = nil
	err := e.validate(req)
	require.Error(t, err)
}

func TestNotify_SucceedsOnFirstAttempt(t *testing.T) {
	provider := &fakeProvider{channel: "telegram", result: ProviderResult{ProviderDeliveryID: "msg-1"}}
	e, mock := newTestEngine(t, provider)

	mock.ExpectQuery(`INSERT INTO "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"delivery_id", "status"}).AddRow(uuid.Must(uuid.NewV7()), models.DeliveryInFlight))
	mock.ExpectExec(`INSERT INTO "butler_messenger"\."delivery_attempts"`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE "butler_messenger"\."delivery_requests" SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := e.Notify(context.Background(), baseNotify("hello"))
	require.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Delivery.DeliveryID)
	require.Equal(t, 1, provider.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_ValidationErrorNeverTouchesDB(t *testing.T) {
	e, mock := newTestEngine(t, &fakeProvider{channel: "telegram"})
	req := baseNotify("hi")
	req.Delivery.Channel = ""

	resp := e.Notify(context.Background(), req)
	require.Equal(t, "error", resp.Status)
	require.Equal(t, envelope.ClassValidation, resp.Error.Class)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_IdempotentReplayReturnsPriorOutcomeWithoutRedelivering(t *testing.T) {
	provider := &fakeProvider{channel: "telegram", result: ProviderResult{ProviderDeliveryID: "msg-1"}}
	e, mock := newTestEngine(t, provider)

	existingID := uuid.Must(uuid.NewV7())
	mock.ExpectQuery(`INSERT INTO "butler_messenger"\."delivery_requests"`).
		WillReturnError(errUniqueViolation)
	mock.ExpectQuery(`SELECT delivery_id, status, COALESCE\(error_class, ''\) FROM "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"delivery_id", "status", "coalesce"}).AddRow(existingID, models.DeliverySucceeded, ""))

	resp := e.Notify(context.Background(), baseNotify("hello"))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 0, provider.calls, "a delivery already marked succeeded must not be redelivered")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_TerminalFailureReplayReturnsOriginalClass(t *testing.T) {
	provider := &fakeProvider{channel: "telegram"}
	e, mock := newTestEngine(t, provider)

	existingID := uuid.Must(uuid.NewV7())
	mock.ExpectQuery(`INSERT INTO "butler_messenger"\."delivery_requests"`).
		WillReturnError(errUniqueViolation)
	mock.ExpectQuery(`SELECT delivery_id, status, COALESCE\(error_class, ''\) FROM "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"delivery_id", "status", "coalesce"}).
			AddRow(existingID, models.DeliveryFailedTerminal, string(envelope.ClassValidation)))

	resp := e.Notify(context.Background(), baseNotify("hello"))
	require.Equal(t, "error", resp.Status)
	require.Equal(t, envelope.ClassValidation, resp.Error.Class)
	require.Equal(t, 0, provider.calls, "a terminal failure must not be retried by a duplicate call")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotify_InFlightDuplicateCoalescesWithoutParallelDelivery(t *testing.T) {
	provider := &fakeProvider{channel: "telegram", result: ProviderResult{ProviderDeliveryID: "msg-1"}}
	e, mock := newTestEngine(t, provider)

	existingID := uuid.Must(uuid.NewV7())
	mock.ExpectQuery(`INSERT INTO "butler_messenger"\."delivery_requests"`).
		WillReturnError(errUniqueViolation)
	mock.ExpectQuery(`SELECT delivery_id, status, COALESCE\(error_class, ''\) FROM "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"delivery_id", "status", "coalesce"}).
			AddRow(existingID, models.DeliveryInFlight, ""))
	// First poll still sees the original execution running; second sees
	// it finish. The duplicate only observes, it never delivers.
	mock.ExpectQuery(`SELECT status, COALESCE\(error_class, ''\) FROM "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "coalesce"}).AddRow(models.DeliveryInFlight, ""))
	mock.ExpectQuery(`SELECT status, COALESCE\(error_class, ''\) FROM "butler_messenger"\."delivery_requests"`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "coalesce"}).AddRow(models.DeliverySucceeded, ""))

	resp := e.Notify(context.Background(), baseNotify("hello"))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, existingID.String(), *resp.Delivery.DeliveryID)
	require.Equal(t, 0, provider.calls, "an in-flight duplicate must coalesce, never call the provider in parallel")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeriveIdempotencyKey_IsDeterministicAndContentSensitive(t *testing.T) {
	reqA := baseNotify("hello")
	reqB := baseNotify("hello")
	keyA := deriveIdempotencyKey("caller-1", "relationship", reqA, "12345", contentHashOf("hello"))
	keyB := deriveIdempotencyKey("caller-1", "relationship", reqB, "12345", contentHashOf("hello"))
	require.Equal(t, keyA, keyB)

	keyDifferentContent := deriveIdempotencyKey("caller-1", "relationship", reqA, "12345", contentHashOf("goodbye"))
	require.NotEqual(t, keyA, keyDifferentContent)
}

func TestAdmission_ReplyPreemptsUnderContention(t *testing.T) {
	a := newAdmission(AdmissionConfig{GlobalRate: 1, GlobalBurst: 1, ScopeRate: 100, ScopeBurst: 100, TargetRate: 100, TargetBurst: 100})
	require.True(t, a.Allow("telegram", "scope", "target", false), "first send consumes the global burst")
	require.False(t, a.Allow("telegram", "scope", "target2", false), "global budget exhausted for a non-reply")
	require.True(t, a.Allow("telegram", "scope", "target3", true), "reply falls back to the reserved reply bucket")
}

func TestCircuitBreaker_OpensAfterThresholdAndRecovers(t *testing.T) {
	cb := newCircuitBreaker(2, 10*time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.True(t, cb.Allow())
	cb.RecordFailure()
	require.False(t, cb.Allow(), "breaker opens once the failure threshold is reached")

	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow(), "breaker moves to half-open after the recovery timeout")
	cb.RecordSuccess()
	require.True(t, cb.Allow())
}

func TestResolveTarget_FallsBackToOwnerDefaultForReply(t *testing.T) {
	e, mock := newTestEngine(t, &fakeProvider{channel: "telegram"})
	req := baseNotify("hi")
	req.Delivery.Intent = models.IntentReply
	req.Delivery.Recipient = nil
	req.RequestContext.SourceSenderIdentity = ""

	mock.ExpectQuery(`SELECT identifier FROM "butler_messenger"\."contact_info" WHERE channel = \$1 AND is_owner`).
		WithArgs("telegram").
		WillReturnRows(sqlmock.NewRows([]string{"identifier"}).AddRow("owner-chat-id"))

	target, err := e.resolveTarget(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "owner-chat-id", target)
	require.NoError(t, mock.ExpectationsWereMet())
}
