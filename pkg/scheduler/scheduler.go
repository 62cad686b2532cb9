// Package scheduler implements the cron-driven due-task engine:
// manifest-declared schedules are upserted at startup, and each
// tick claims and dispatches due tasks with per-butler isolation and
// idempotent, at-most-once-per-tick dispatch.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	cron "github.com/robfig/cron/v3"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

// cronParser accepts the standard five-field cron expression. Seconds
// granularity isn't needed: ticks are driven externally (e.g. once a
// minute) rather than by an in-process timer per task.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Dispatcher runs one due task's prompt or job and reports a short
// human-readable result string, or an error if dispatch itself failed
// (as opposed to the underlying job failing, which is still reported via
// the result string so sibling tasks are unaffected).
type Dispatcher func(ctx context.Context, task models.ScheduledTask) (result string, err error)

// Scheduler operates against one butler's scheduled_tasks table.
type Scheduler struct {
	db       *sqlx.DB
	table    string
	timezone *time.Location
	log      *slog.Logger
}

// New returns a Scheduler scoped to the given butler schema and
// timezone name (from the manifest's [defaults] block).
func New(db *sqlx.DB, schema string, timezone string, log *slog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", timezone, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		db:       db,
		table:    database.QualifyTable(schema, "scheduled_tasks"),
		timezone: loc,
		log:      log.With("component", "scheduler"),
	}, nil
}

// Bootstrap upserts every manifest-declared schedule entry by (name)
// with source=config, preserving any runtime-created tasks untouched.
func (s *Scheduler) Bootstrap(ctx context.Context, entries []config.ScheduleEntry) error {
	for _, entry := range entries {
		next, err := s.nextRun(entry.Cron, time.Now())
		if err != nil {
			return fmt.Errorf("bootstrap schedule %q: %w", entry.Name, err)
		}

		jobName := entry.JobName
		mode := entry.DispatchMode
		if mode == "" {
			mode = "prompt"
		}

		query := fmt.Sprintf(`
			INSERT INTO %s (name, cron, prompt, dispatch_mode, job_name, enabled, source, next_run_at)
			VALUES ($1, $2, $3, $4, $5, true, 'config', $6)
			ON CONFLICT (name) DO UPDATE SET
				cron = EXCLUDED.cron,
				prompt = EXCLUDED.prompt,
				dispatch_mode = EXCLUDED.dispatch_mode,
				job_name = EXCLUDED.job_name,
				updated_at = now()
			WHERE %s.source = 'config'`, s.table, s.table)

		var promptArg any
		if entry.Prompt != "" {
			promptArg = entry.Prompt
		}
		var jobNameArg any
		if jobName != "" {
			jobNameArg = jobName
		}

		if _, err := s.db.ExecContext(ctx, query, entry.Name, entry.Cron, promptArg, mode, jobNameArg, next); err != nil {
			return fmt.Errorf("bootstrap schedule %q: %w", entry.Name, err)
		}
	}
	return nil
}

// CreateRuntimeTask registers a task created via the schedule CRUD tools
// (source=runtime), preserved across restarts.
func (s *Scheduler) CreateRuntimeTask(ctx context.Context, name, cronExpr, prompt string) error {
	next, err := s.nextRun(cronExpr, time.Now())
	if err != nil {
		return fmt.Errorf("create runtime task %q: %w", name, err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (name, cron, prompt, dispatch_mode, enabled, source, next_run_at)
		VALUES ($1, $2, $3, 'prompt', true, 'runtime', $4)
		ON CONFLICT (name) DO UPDATE SET cron = EXCLUDED.cron, prompt = EXCLUDED.prompt, next_run_at = EXCLUDED.next_run_at, updated_at = now()`, s.table)
	_, err = s.db.ExecContext(ctx, query, name, cronExpr, prompt, next)
	return err
}

func (s *Scheduler) nextRun(cronExpr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(after.In(s.timezone)), nil
}

// Tick claims every due, non-dispatching task and runs dispatch for each.
// Claiming uses SELECT ... FOR UPDATE SKIP LOCKED so that two concurrent
// or duplicated ticks within the same second can never dispatch the same
// task twice, and each task's dispatch failure is isolated from its
// siblings: one failure never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, dispatch Dispatcher) error {
	now := time.Now()
	claimed, err := s.claimDue(ctx, now)
	if err != nil {
		return fmt.Errorf("tick: claim due tasks: %w", err)
	}

	for _, task := range claimed {
		s.runOne(ctx, task, now, dispatch)
	}
	return nil
}

func (s *Scheduler) claimDue(ctx context.Context, now time.Time) ([]models.ScheduledTask, error) {
	query := fmt.Sprintf(`
		WITH due AS (
			SELECT name FROM %s
			WHERE enabled AND next_run_at <= $1 AND NOT dispatching
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s t SET dispatching = true
		FROM due WHERE t.name = due.name
		RETURNING t.*`, s.table, s.table)

	var tasks []models.ScheduledTask
	if err := s.db.SelectContext(ctx, &tasks, query, now); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Scheduler) runOne(ctx context.Context, task models.ScheduledTask, startedAt time.Time, dispatch Dispatcher) {
	result, dispatchErr := func() (result string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic dispatching task %s: %v", task.Name, r)
			}
		}()
		return dispatch(ctx, task)
	}()

	if dispatchErr != nil {
		s.log.Error("schedule dispatch failed", "task", task.Name, "error", dispatchErr)
		result = "error: " + dispatchErr.Error()
	}

	next, err := s.nextRun(task.Cron, startedAt)
	if err != nil {
		s.log.Error("schedule: failed to compute next run, deferring task by 24h", "task", task.Name, "error", err)
		s.release(ctx, task.Name, result, startedAt.Add(24*time.Hour))
		return
	}
	s.release(ctx, task.Name, result, next)
}

func (s *Scheduler) release(ctx context.Context, name, result string, next time.Time) {
	query := fmt.Sprintf(`
		UPDATE %s SET dispatching = false, last_run_at = now(), last_result = $2, next_run_at = $3, updated_at = now()
		WHERE name = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, name, result, next); err != nil {
		s.log.Error("schedule: failed to release claim", "task", name, "error", err)
	}
}

// List returns every scheduled task for this butler.
func (s *Scheduler) List(ctx context.Context) ([]models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY name`, s.table)
	if err := s.db.SelectContext(ctx, &tasks, query); err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a runtime-created task. Config-sourced tasks may only be
// disabled, not deleted, since they're re-upserted from the manifest on
// every restart.
func (s *Scheduler) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND source = 'runtime'`, s.table)
	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete task %s: not found or not runtime-sourced", name)
	}
	return nil
}

// SetEnabled toggles a task's enabled flag.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	query := fmt.Sprintf(`UPDATE %s SET enabled = $2, updated_at = now() WHERE name = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, name, enabled)
	return err
}
