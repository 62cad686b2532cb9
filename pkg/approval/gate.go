// Package approval implements the gated-tool approval system:
// standing-rule pre-approval via expr-lang/expr, pending-approval
// persistence, human-actor-only decisions, and idempotent approve/reject.
package approval

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/module"
)

// MigrationChain is this module's schema contribution.
func MigrationChain() database.MigrationChain {
	return database.MigrationChain{Name: "approvals", FS: migrationsFS, Dir: "migrations"}
}

// Executor runs the underlying tool exactly once, shared by the
// auto-approved and human-approved paths so audit/status transitions are
// identical.
type Executor func(ctx context.Context, toolName string, args map[string]any) (result any, err error)

// Outcome is what invoking a gated tool produces: either it ran
// (Executed) or it's now pending human review (Pending).
type Outcome struct {
	Executed bool
	Result   any
	Pending  *models.PendingAction
}

// Gate wraps a butler's registered output tools matched by config's
// gated_tools set union the identity-default rule.
type Gate struct {
	db    *sqlx.DB
	table string // approval_actions
	rules string // standing_rules

	gatedTools map[string]bool
	executor   Executor
}

// New returns a Gate scoped to the given butler schema.
func New(db *sqlx.DB, schema string, gatedTools map[string]bool, executor Executor) *Gate {
	return &Gate{
		db:         db,
		table:      database.QualifyTable(schema, "approval_actions"),
		rules:      database.QualifyTable(schema, "standing_rules"),
		gatedTools: gatedTools,
		executor:   executor,
	}
}

// IsGated reports whether toolName requires approval, per config's
// gated_tools set union the identity-default rule: user-scoped
// send/reply are always gated; bot-scoped tools are gated only if opted
// in.
func (g *Gate) IsGated(toolName string) bool {
	if g.gatedTools[toolName] {
		return true
	}
	return isUserScopedSendOrReply(toolName)
}

var userSendReplyPattern = regexp.MustCompile(`^user_[A-Za-z0-9]+_(send|reply)(_|$)`)

func isUserScopedSendOrReply(toolName string) bool {
	return module.IsChannelEgressTool(toolName) && userSendReplyPattern.MatchString(toolName)
}

// Invoke runs a gated tool call through the approval pipeline: checks
// standing rules in insertion order, pre-approving and executing on a
// match, otherwise persists a pending_approval and returns without
// calling the underlying tool.
func (g *Gate) Invoke(ctx context.Context, toolName string, args map[string]any) (Outcome, error) {
	rule, err := g.matchStandingRule(ctx, toolName, args)
	if err != nil {
		return Outcome{}, fmt.Errorf("approval: evaluate standing rules: %w", err)
	}

	if rule != nil {
		if err := g.incrementRuleUse(ctx, rule.RuleID); err != nil {
			return Outcome{}, fmt.Errorf("approval: record standing rule use: %w", err)
		}
		result, err := g.executor(ctx, toolName, args)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Executed: true, Result: result}, nil
	}

	action, err := g.createPending(ctx, toolName, args, 24*time.Hour)
	if err != nil {
		return Outcome{}, fmt.Errorf("approval: create pending action: %w", err)
	}
	return Outcome{Executed: false, Pending: action}, nil
}

// matchStandingRule evaluates active, non-exhausted, non-expired rules
// for toolName in insertion order (created_at ascending), returning the first
// whose arg_constraints expression evaluates true.
func (g *Gate) matchStandingRule(ctx context.Context, toolName string, args map[string]any) (*models.StandingRule, error) {
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE tool_name = $1 AND active
		ORDER BY created_at ASC`, g.rules)

	var rules []models.StandingRule
	if err := g.db.SelectContext(ctx, &rules, query, toolName); err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range rules {
		r := rules[i]
		if r.Exhausted() || r.ExpiredAt(now) {
			continue
		}
		matched, err := evalConstraint(r.ArgConstraints, args)
		if err != nil {
			return nil, fmt.Errorf("standing rule %s: %w", r.RuleID, err)
		}
		if matched {
			return &r, nil
		}
	}
	return nil, nil
}

// evalConstraint evaluates an expr-lang/expr boolean expression against
// the tool call's arguments.
func evalConstraint(constraint string, args map[string]any) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	program, err := expr.Compile(constraint, expr.Env(args), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile constraint: %w", err)
	}
	out, err := expr.Run(program, args)
	if err != nil {
		return false, fmt.Errorf("run constraint: %w", err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

// validateConstraintSyntax compiles constraint without a bound
// environment, catching syntax errors at rule-creation time without
// requiring a representative argument set.
func validateConstraintSyntax(constraint string) error {
	if constraint == "" {
		return nil
	}
	_, err := expr.Compile(constraint)
	return err
}

func (g *Gate) incrementRuleUse(ctx context.Context, ruleID string) error {
	query := fmt.Sprintf(`UPDATE %s SET use_count = use_count + 1 WHERE rule_id = $1`, g.rules)
	_, err := g.db.ExecContext(ctx, query, ruleID)
	return err
}

func (g *Gate) createPending(ctx context.Context, toolName string, args map[string]any, ttl time.Duration) (*models.PendingAction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	action := &models.PendingAction{
		ActionID:    id.String(),
		ToolName:    toolName,
		Args:        models.JSONMap(args),
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
		Status:      models.ApprovalPending,
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (action_id, tool_name, args, requested_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`, g.table)
	_, err = g.db.ExecContext(ctx, query, action.ActionID, action.ToolName, action.Args,
		action.RequestedAt, action.ExpiresAt, action.Status)
	if err != nil {
		return nil, err
	}
	return action, nil
}

// Get returns one pending/decided action.
func (g *Gate) Get(ctx context.Context, actionID string) (*models.PendingAction, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE action_id = $1`, g.table)
	var a models.PendingAction
	if err := g.db.GetContext(ctx, &a, query, actionID); err != nil {
		return nil, fmt.Errorf("approval: get action %s: %w", actionID, err)
	}
	return &a, nil
}

// Approve runs the gated tool exactly once and marks the action
// executed. Approving an already-terminal action is a no-op returning
// the stable terminal state.
func (g *Gate) Approve(ctx context.Context, actionID string, actor Actor) (*models.PendingAction, error) {
	if err := RequireHuman(actor); err != nil {
		return nil, err
	}
	return g.decide(ctx, actionID, actor, models.ApprovalApproved, true)
}

// Reject marks the action rejected without executing the underlying
// tool. Idempotent like Approve.
func (g *Gate) Reject(ctx context.Context, actionID string, actor Actor) (*models.PendingAction, error) {
	if err := RequireHuman(actor); err != nil {
		return nil, err
	}
	return g.decide(ctx, actionID, actor, models.ApprovalRejected, false)
}

func (g *Gate) decide(ctx context.Context, actionID string, actor Actor, decision models.ApprovalStatus, execute bool) (*models.PendingAction, error) {
	action, err := g.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.IsTerminal() {
		return action, nil
	}

	finalStatus := decision
	var resultStr *string

	if execute {
		result, execErr := g.executor(ctx, action.ToolName, action.Args)
		if execErr != nil {
			s := execErr.Error()
			resultStr = &s
			finalStatus = models.ApprovalRejected // execution failure doesn't get marked "executed"
		} else {
			finalStatus = models.ApprovalExecuted
			s := fmt.Sprintf("%v", result)
			resultStr = &s
		}
	}

	now := time.Now()
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, decided_by = $3, decided_at = $4, result = $5
		WHERE action_id = $1`, g.table)
	if _, err := g.db.ExecContext(ctx, query, actionID, finalStatus, actor.Subject, now, resultStr); err != nil {
		return nil, fmt.Errorf("approval: record decision: %w", err)
	}

	action.Status = finalStatus
	action.DecidedBy = &actor.Subject
	action.DecidedAt = &now
	action.Result = resultStr
	return action, nil
}

// ExpirePending marks every past-due pending action expired. Run
// periodically (e.g. from the scheduler tick) to bound pending-approval
// lifetime.
func (g *Gate) ExpirePending(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = 'expired' WHERE status = 'pending' AND expires_at < now()`, g.table)
	res, err := g.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateStandingRule registers a new pre-approval rule. Creation is a
// decision-bearing operation requiring a human actor.
func (g *Gate) CreateStandingRule(ctx context.Context, actor Actor, rule models.StandingRule) error {
	if err := RequireHuman(actor); err != nil {
		return err
	}
	if err := validateConstraintSyntax(rule.ArgConstraints); err != nil {
		return fmt.Errorf("approval: invalid arg_constraints: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (rule_id, tool_name, arg_constraints, active, use_limit, expires_at, owner)
		VALUES ($1, $2, $3, true, $4, $5, $6)`, g.rules)
	_, err := g.db.ExecContext(ctx, query, rule.RuleID, rule.ToolName, rule.ArgConstraints, rule.UseLimit, rule.ExpiresAt, actor.Subject)
	return err
}

// RevokeStandingRule deactivates a rule. Revocation is decision-bearing.
func (g *Gate) RevokeStandingRule(ctx context.Context, actor Actor, ruleID string) error {
	if err := RequireHuman(actor); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET active = false WHERE rule_id = $1`, g.rules)
	_, err := g.db.ExecContext(ctx, query, ruleID)
	return err
}
