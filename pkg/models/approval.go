package models

import "time"

// ApprovalStatus is the lifecycle state of one gated tool invocation.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalExecuted ApprovalStatus = "executed"
)

// PendingAction is one gated tool call awaiting a human decision.
type PendingAction struct {
	ActionID    string         `db:"action_id"`
	ToolName    string         `db:"tool_name"`
	Args        JSONMap        `db:"args"`
	RequestedAt time.Time      `db:"requested_at"`
	ExpiresAt   time.Time      `db:"expires_at"`
	Status      ApprovalStatus `db:"status"`
	DecidedBy   *string        `db:"decided_by"`
	DecidedAt   *time.Time     `db:"decided_at"`
	Result      *string        `db:"result"`
}

// IsTerminal reports whether the action has already reached a terminal
// status, making further approve/reject calls no-ops.
func (a PendingAction) IsTerminal() bool {
	switch a.Status {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalExecuted:
		return true
	default:
		return false
	}
}

// StandingRule is a pre-declared, reusable pre-approval for a tool
// matching a set of argument constraints.
type StandingRule struct {
	RuleID         string     `db:"rule_id"`
	ToolName       string     `db:"tool_name"`
	ArgConstraints string     `db:"arg_constraints"` // expr-lang/expr boolean expression
	Active         bool       `db:"active"`
	UseCount       int64      `db:"use_count"`
	UseLimit       *int64     `db:"use_limit"`
	ExpiresAt      *time.Time `db:"expires_at"`
	Owner          string     `db:"owner"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Exhausted reports whether the rule has hit its configured use limit.
func (r StandingRule) Exhausted() bool {
	return r.UseLimit != nil && r.UseCount >= *r.UseLimit
}

// ExpiredAt reports whether the rule's expiry has passed as of now.
func (r StandingRule) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
