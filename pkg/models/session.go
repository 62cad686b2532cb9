package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerSource identifies what caused a spawner invocation.
type TriggerSource string

const (
	TriggerTick     TriggerSource = "tick"
	TriggerTrigger  TriggerSource = "trigger"
	TriggerExternal TriggerSource = "external"
)

// TriggerSchedule builds the "schedule:<name>" trigger source for a named
// scheduled task dispatch.
func TriggerSchedule(name string) TriggerSource {
	return TriggerSource("schedule:" + name)
}

// ToolCall records one tool invocation made during a session, for audit
// and for the session's persisted tool_calls array.
type ToolCall struct {
	Name       string    `json:"name" db:"name"`
	Args       JSONMap   `json:"args,omitempty" db:"args"`
	Outcome    string    `json:"outcome" db:"outcome"`
	InvokedAt  time.Time `json:"invoked_at" db:"invoked_at"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
}

// Session is the append+complete record of one spawner invocation.
// Every row must eventually reach a
// terminal state (CompletedAt non-nil).
type Session struct {
	ID              uuid.UUID  `db:"id"`
	StartedAt       time.Time  `db:"started_at"`
	TriggerSource   string     `db:"trigger_source"`
	Prompt          string     `db:"prompt"`
	Model           string     `db:"model"`
	ParentSessionID *uuid.UUID `db:"parent_session_id"`
	RequestID       *uuid.UUID `db:"request_id"`
	SubrequestID    *string    `db:"subrequest_id"`
	SegmentID       *string    `db:"segment_id"`

	CompletedAt  *time.Time `db:"completed_at"`
	Success      *bool      `db:"success"`
	Result       *string    `db:"result"`
	Error        *string    `db:"error"`
	ToolCalls    ToolCalls  `db:"tool_calls"`
	InputTokens  int64      `db:"input_tokens"`
	OutputTokens int64      `db:"output_tokens"`
	DurationMs   *int64     `db:"duration_ms"`
	TraceID      *string    `db:"trace_id"`
}

// IsOpen reports whether the session has not yet reached a terminal state.
func (s Session) IsOpen() bool { return s.CompletedAt == nil }

// OpenSessionFields are the immutable fields supplied when a session is
// created, before the LLM invocation runs.
type OpenSessionFields struct {
	ID              uuid.UUID
	StartedAt       time.Time
	TriggerSource   TriggerSource
	Prompt          string
	Model           string
	ParentSessionID *uuid.UUID
	RequestID       *uuid.UUID
	SubrequestID    *string
	SegmentID       *string
}

// TerminalSessionFields are written once, when the invocation completes.
type TerminalSessionFields struct {
	CompletedAt  time.Time
	Success      bool
	Result       *string
	Error        *string
	ToolCalls    ToolCalls
	InputTokens  int64
	OutputTokens int64
	DurationMs   int64
	TraceID      *string
}

// SessionFilter narrows Session.List queries.
type SessionFilter struct {
	TriggerSourcePrefix string
	Since               *time.Time
	Until               *time.Time
	SuccessOnly         *bool
	RequestID           *uuid.UUID
}

// Pagination bounds a List query's result window.
type Pagination struct {
	Limit  int
	Offset int
}

// SummaryPeriod is a named aggregation window for Session.Summary. Only
// the enumerated periods are valid; anything else is a validation error
// — unsupported summary periods raise a typed validation error.
type SummaryPeriod string

const (
	SummaryToday     SummaryPeriod = "today"
	SummaryYesterday SummaryPeriod = "yesterday"
	SummaryWeek      SummaryPeriod = "week"
	SummaryMonth     SummaryPeriod = "month"
	SummaryAllTime   SummaryPeriod = "all_time"
)

// ValidSummaryPeriods lists the accepted SummaryPeriod values.
var ValidSummaryPeriods = []SummaryPeriod{SummaryToday, SummaryYesterday, SummaryWeek, SummaryMonth, SummaryAllTime}

// SessionSummary is the aggregate result of Session.Summary.
type SessionSummary struct {
	Period         SummaryPeriod `json:"period"`
	SessionCount   int64         `json:"session_count"`
	SuccessCount   int64         `json:"success_count"`
	FailureCount   int64         `json:"failure_count"`
	InputTokens    int64         `json:"input_tokens"`
	OutputTokens   int64         `json:"output_tokens"`
	EstimatedCost  float64       `json:"estimated_cost"`
	AvgDurationMs  float64       `json:"avg_duration_ms"`
}

// DailySessionStats is one day's row from Session.Daily.
type DailySessionStats struct {
	Day           time.Time `json:"day"`
	SessionCount  int64     `json:"session_count"`
	EstimatedCost float64   `json:"estimated_cost"`
}

// ScheduleCost is one named schedule's aggregate cost from
// Session.ScheduleCosts.
type ScheduleCost struct {
	ScheduleName  string  `json:"schedule_name"`
	SessionCount  int64   `json:"session_count"`
	EstimatedCost float64 `json:"estimated_cost"`
}
