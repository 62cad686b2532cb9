package state

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), "butler_health"), mock
}

func TestStore_GetMissingKeyReturnsFalse(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT key, value, updated_at FROM "butler_health"\."state" WHERE key = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "updated_at"}))

	_, found, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_SetUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO "butler_health"\."state"`).
		WithArgs("pref", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Set(context.Background(), "pref", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
