package models

import "time"

// TaskSource distinguishes manifest-declared schedules from ones created
// at runtime via the schedule CRUD tools.
type TaskSource string

const (
	TaskSourceConfig  TaskSource = "config"
	TaskSourceRuntime TaskSource = "runtime"
)

// DispatchMode selects whether a scheduled task's trigger runs a raw
// prompt or a named background job.
type DispatchMode string

const (
	DispatchPrompt DispatchMode = "prompt"
	DispatchJob    DispatchMode = "job"
)

// ScheduledTask is one cron-driven entry in a butler's scheduled_tasks
// table.
type ScheduledTask struct {
	Name         string       `db:"name"`
	Cron         string       `db:"cron"`
	Prompt       *string      `db:"prompt"`
	DispatchMode DispatchMode `db:"dispatch_mode"`
	JobName      *string      `db:"job_name"`
	Enabled      bool         `db:"enabled"`
	Source       TaskSource   `db:"source"`
	LastRunAt    *time.Time   `db:"last_run_at"`
	LastResult   *string      `db:"last_result"`
	NextRunAt    time.Time    `db:"next_run_at"`
	Dispatching  bool         `db:"dispatching"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// StateEntry is a per-butler key→JSON value row.
type StateEntry struct {
	Key       string    `db:"key"`
	Value     JSONValue `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
