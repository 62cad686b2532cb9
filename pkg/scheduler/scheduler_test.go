package scheduler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(sqlx.NewDb(db, "sqlmock"), "butler_health", "UTC", nil)
	require.NoError(t, err)
	return s, mock
}

func TestNextRun_ComputesFutureOccurrence(t *testing.T) {
	s, _ := newTestScheduler(t)
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, err := s.nextRun("0 12 * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), next)
}

func TestNextRun_InvalidCronErrors(t *testing.T) {
	s, _ := newTestScheduler(t)
	_, err := s.nextRun("not a cron", time.Now())
	require.Error(t, err)
}

func TestTick_IsolatesTaskFailures(t *testing.T) {
	s, mock := newTestScheduler(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"name", "cron", "prompt", "dispatch_mode", "job_name", "enabled", "source",
		"last_run_at", "last_result", "next_run_at", "dispatching", "created_at", "updated_at",
	}).AddRow("task-a", "* * * * *", "do a", "prompt", nil, true, "config", nil, nil, now, true, now, now).
		AddRow("task-b", "* * * * *", "do b", "prompt", nil, true, "config", nil, nil, now, true, now, now)

	mock.ExpectQuery(`WITH due AS`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE "butler_health"\."scheduled_tasks" SET dispatching = false`).
		WithArgs("task-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "butler_health"\."scheduled_tasks" SET dispatching = false`).
		WithArgs("task-b", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var dispatched []string
	err := s.Tick(context.Background(), func(_ context.Context, task models.ScheduledTask) (string, error) {
		dispatched = append(dispatched, task.Name)
		if task.Name == "task-a" {
			return "", assertErr{}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"task-a", "task-b"}, dispatched)
	require.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
