// Package session implements the per-butler session log:
// append+complete session records, queries, and query-time cost
// accounting against a configured pricing table.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
)

// Log operates against one butler's sessions table.
type Log struct {
	db      *sqlx.DB
	table   string
	pricing config.PricingTable
}

// New returns a Log scoped to the given butler schema, pricing sessions
// using the manifest-supplied table.
func New(db *sqlx.DB, schema string, pricing config.PricingTable) *Log {
	return &Log{db: db, table: database.QualifyTable(schema, "sessions"), pricing: pricing}
}

// Create inserts a new open session row and returns its id. Callers must
// call this before invoking the LLM adapter so duration_ms is measured
// from before session creation even when the invocation never starts (timing
// invariant).
func (l *Log) Create(ctx context.Context, fields models.OpenSessionFields) (uuid.UUID, error) {
	id := fields.ID
	if id == uuid.Nil {
		var err error
		id, err = uuid.NewV7()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate session id: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, trigger_source, prompt, model,
			parent_session_id, request_id, subrequest_id, segment_id, tool_calls, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '[]', 0, 0)`, l.table)
	_, err := l.db.ExecContext(ctx, query, id, fields.StartedAt, string(fields.TriggerSource),
		fields.Prompt, fields.Model, fields.ParentSessionID, fields.RequestID, fields.SubrequestID, fields.SegmentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// Complete writes terminal fields to an open session row. Invariant:
// every created session must eventually reach a terminal state.
func (l *Log) Complete(ctx context.Context, id uuid.UUID, fields models.TerminalSessionFields) error {
	query := fmt.Sprintf(`
		UPDATE %s SET completed_at = $2, success = $3, result = $4, error = $5,
			tool_calls = $6, input_tokens = $7, output_tokens = $8, duration_ms = $9, trace_id = $10
		WHERE id = $1`, l.table)
	res, err := l.db.ExecContext(ctx, query, id, fields.CompletedAt, fields.Success, fields.Result,
		fields.Error, fields.ToolCalls, fields.InputTokens, fields.OutputTokens, fields.DurationMs, fields.TraceID)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("complete session %s: no such session", id)
	}
	return nil
}

// Get returns a single session by id.
func (l *Log) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE id = $1`, l.table)
	var s models.Session
	if err := l.db.GetContext(ctx, &s, query, id); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// List returns sessions matching filter, newest first, paginated.
func (l *Log) List(ctx context.Context, filter models.SessionFilter, page models.Pagination) ([]models.Session, error) {
	clauses := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TriggerSourcePrefix != "" {
		clauses = append(clauses, "trigger_source LIKE "+arg(filter.TriggerSourcePrefix+"%"))
	}
	if filter.Since != nil {
		clauses = append(clauses, "started_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "started_at < "+arg(*filter.Until))
	}
	if filter.SuccessOnly != nil {
		clauses = append(clauses, "success = "+arg(*filter.SuccessOnly))
	}
	if filter.RequestID != nil {
		clauses = append(clauses, "request_id = "+arg(*filter.RequestID))
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s ORDER BY started_at DESC LIMIT %s OFFSET %s`,
		l.table, joinAnd(clauses), arg(limit), arg(page.Offset))

	var sessions []models.Session
	if err := l.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// periodRange resolves a SummaryPeriod to a [start, end) time window
// relative to now. Unsupported periods raise a typed validation error.
func periodRange(period models.SummaryPeriod, now time.Time) (start, end time.Time, err error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch period {
	case models.SummaryToday:
		return today, today.AddDate(0, 0, 1), nil
	case models.SummaryYesterday:
		return today.AddDate(0, 0, -1), today, nil
	case models.SummaryWeek:
		return today.AddDate(0, 0, -7), today.AddDate(0, 0, 1), nil
	case models.SummaryMonth:
		return today.AddDate(0, -1, 0), today.AddDate(0, 0, 1), nil
	case models.SummaryAllTime:
		return time.Time{}, today.AddDate(0, 0, 1), nil
	default:
		return time.Time{}, time.Time{}, &unsupportedPeriodError{period: period}
	}
}

type unsupportedPeriodError struct {
	period models.SummaryPeriod
}

func (e *unsupportedPeriodError) Error() string {
	return fmt.Sprintf("session: unsupported summary period %q (valid: %v)", e.period, models.ValidSummaryPeriods)
}

// Summary aggregates sessions over period, deriving cost at query time
// from the configured pricing table.
func (l *Log) Summary(ctx context.Context, period models.SummaryPeriod) (*models.SessionSummary, error) {
	start, end, err := periodRange(period, time.Now())
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT model, count(*) AS session_count,
			count(*) FILTER (WHERE success) AS success_count,
			count(*) FILTER (WHERE success = false) AS failure_count,
			coalesce(sum(input_tokens), 0) AS input_tokens,
			coalesce(sum(output_tokens), 0) AS output_tokens,
			coalesce(avg(duration_ms), 0) AS avg_duration_ms
		FROM %s WHERE started_at >= $1 AND started_at < $2 AND completed_at IS NOT NULL
		GROUP BY model`, l.table)

	rows, err := l.db.QueryxContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("summary %s: %w", period, err)
	}
	defer rows.Close()

	summary := &models.SessionSummary{Period: period}
	var totalDurationWeighted float64
	for rows.Next() {
		var model string
		var sessionCount, successCount, failureCount, inputTokens, outputTokens int64
		var avgDuration float64
		if err := rows.Scan(&model, &sessionCount, &successCount, &failureCount, &inputTokens, &outputTokens, &avgDuration); err != nil {
			return nil, fmt.Errorf("summary %s: scan: %w", period, err)
		}
		summary.SessionCount += sessionCount
		summary.SuccessCount += successCount
		summary.FailureCount += failureCount
		summary.InputTokens += inputTokens
		summary.OutputTokens += outputTokens
		totalDurationWeighted += avgDuration * float64(sessionCount)
		summary.EstimatedCost += l.cost(model, inputTokens, outputTokens)
	}
	if summary.SessionCount > 0 {
		summary.AvgDurationMs = totalDurationWeighted / float64(summary.SessionCount)
	}
	return summary, nil
}

// cost derives input_tokens×input_price + output_tokens×output_price for
// one model from the configured pricing table; unknown models cost 0.
func (l *Log) cost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := l.pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion + float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// Daily returns per-day session counts and estimated cost over the last
// `days` days.
func (l *Log) Daily(ctx context.Context, days int) ([]models.DailySessionStats, error) {
	query := fmt.Sprintf(`
		SELECT date_trunc('day', started_at) AS day, model,
			count(*) AS session_count,
			coalesce(sum(input_tokens), 0) AS input_tokens,
			coalesce(sum(output_tokens), 0) AS output_tokens
		FROM %s
		WHERE started_at >= now() - ($1 || ' days')::interval AND completed_at IS NOT NULL
		GROUP BY day, model
		ORDER BY day`, l.table)

	rows, err := l.db.QueryxContext(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	defer rows.Close()

	byDay := map[time.Time]*models.DailySessionStats{}
	var order []time.Time
	for rows.Next() {
		var day time.Time
		var model string
		var sessionCount, inputTokens, outputTokens int64
		if err := rows.Scan(&day, &model, &sessionCount, &inputTokens, &outputTokens); err != nil {
			return nil, fmt.Errorf("daily stats: scan: %w", err)
		}
		stats, ok := byDay[day]
		if !ok {
			stats = &models.DailySessionStats{Day: day}
			byDay[day] = stats
			order = append(order, day)
		}
		stats.SessionCount += sessionCount
		stats.EstimatedCost += l.cost(model, inputTokens, outputTokens)
	}

	out := make([]models.DailySessionStats, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, nil
}

// TopSessions returns the `limit` completed sessions with the highest
// total token count (input + output); the ordering does not apply
// per-model pricing.
func (l *Log) TopSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE completed_at IS NOT NULL ORDER BY (input_tokens + output_tokens) DESC LIMIT $1`, l.table)
	var sessions []models.Session
	if err := l.db.SelectContext(ctx, &sessions, query, limit); err != nil {
		return nil, fmt.Errorf("top sessions: %w", err)
	}
	return sessions, nil
}

// ScheduleCosts aggregates estimated cost per `schedule:<name>` trigger
// source.
func (l *Log) ScheduleCosts(ctx context.Context) ([]models.ScheduleCost, error) {
	query := fmt.Sprintf(`
		SELECT trigger_source, model, count(*) AS session_count,
			coalesce(sum(input_tokens), 0) AS input_tokens,
			coalesce(sum(output_tokens), 0) AS output_tokens
		FROM %s
		WHERE trigger_source LIKE 'schedule:%%' AND completed_at IS NOT NULL
		GROUP BY trigger_source, model`, l.table)

	rows, err := l.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("schedule costs: %w", err)
	}
	defer rows.Close()

	byName := map[string]*models.ScheduleCost{}
	var order []string
	for rows.Next() {
		var triggerSource, model string
		var sessionCount, inputTokens, outputTokens int64
		if err := rows.Scan(&triggerSource, &model, &sessionCount, &inputTokens, &outputTokens); err != nil {
			return nil, fmt.Errorf("schedule costs: scan: %w", err)
		}
		name := triggerSource[len("schedule:"):]
		sc, ok := byName[name]
		if !ok {
			sc = &models.ScheduleCost{ScheduleName: name}
			byName[name] = sc
			order = append(order, name)
		}
		sc.SessionCount += sessionCount
		sc.EstimatedCost += l.cost(model, inputTokens, outputTokens)
	}

	out := make([]models.ScheduleCost, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

// RecoverDanglingSessions marks any session still open past the given
// cutoff as a failed timeout — run once at startup to satisfy the
// invariant that no session stays open indefinitely after a crash (no
// dangling open sessions post-recovery).
func (l *Log) RecoverDanglingSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET completed_at = now(), success = false,
			error = 'recovered: process crashed before session completed', duration_ms = 0
		WHERE completed_at IS NULL AND started_at < $1`, l.table)
	res, err := l.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover dangling sessions: %w", err)
	}
	return res.RowsAffected()
}
