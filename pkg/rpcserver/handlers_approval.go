package rpcserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/butler-fleet/butlers/pkg/approval"
	"github.com/butler-fleet/butlers/pkg/models"
)

// actorFromRequest extracts and verifies the bearer token asserting the
// human actor making a decision-bearing call. Only registered when
// Deps.Approval is set, so ActorVerifier is always non-nil here.
func (s *Server) actorFromRequest(c *echo.Context) (approval.Actor, error) {
	header := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return approval.Actor{}, errors.New("missing bearer token")
	}
	return s.deps.ActorVerifier.Verify(strings.TrimPrefix(header, prefix))
}

func (s *Server) handleApprovalGet(c *echo.Context) error {
	id := c.Param("id")
	var action any
	err := s.span(c, "approvals.get", "trigger", func(ctx context.Context) error {
		a, getErr := s.deps.Approval.Get(ctx, id)
		action = a
		return getErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, action)
}

func (s *Server) handleApprovalApprove(c *echo.Context) error {
	actor, err := s.actorFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	id := c.Param("id")

	var action any
	spanErr := s.span(c, "approvals.approve", "trigger", func(ctx context.Context) error {
		a, decErr := s.deps.Approval.Approve(ctx, id, actor)
		action = a
		return decErr
	})
	if spanErr != nil {
		if errors.Is(spanErr, approval.ErrNonHumanActor) {
			return echo.NewHTTPError(http.StatusForbidden, spanErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, spanErr.Error())
	}
	return c.JSON(http.StatusOK, action)
}

type standingRuleCreateRequest struct {
	ToolName       string `json:"tool_name"`
	ArgConstraints string `json:"arg_constraints"`
	UseLimit       *int64 `json:"use_limit,omitempty"`
}

func (s *Server) handleStandingRuleCreate(c *echo.Context) error {
	actor, err := s.actorFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	var req standingRuleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ToolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool_name is required")
	}

	ruleID, err := uuid.NewV7()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rule := models.StandingRule{
		RuleID:         ruleID.String(),
		ToolName:       req.ToolName,
		ArgConstraints: req.ArgConstraints,
		UseLimit:       req.UseLimit,
	}

	spanErr := s.span(c, "approvals.rules.create", "trigger", func(ctx context.Context) error {
		return s.deps.Approval.CreateStandingRule(ctx, actor, rule)
	})
	if spanErr != nil {
		if errors.Is(spanErr, approval.ErrNonHumanActor) {
			return echo.NewHTTPError(http.StatusForbidden, spanErr.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, spanErr.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"rule_id": rule.RuleID})
}

func (s *Server) handleStandingRuleRevoke(c *echo.Context) error {
	actor, err := s.actorFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	id := c.Param("id")

	spanErr := s.span(c, "approvals.rules.revoke", "trigger", func(ctx context.Context) error {
		return s.deps.Approval.RevokeStandingRule(ctx, actor, id)
	})
	if spanErr != nil {
		if errors.Is(spanErr, approval.ErrNonHumanActor) {
			return echo.NewHTTPError(http.StatusForbidden, spanErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, spanErr.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleApprovalReject(c *echo.Context) error {
	actor, err := s.actorFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	id := c.Param("id")

	var action any
	spanErr := s.span(c, "approvals.reject", "trigger", func(ctx context.Context) error {
		a, decErr := s.deps.Approval.Reject(ctx, id, actor)
		action = a
		return decErr
	})
	if spanErr != nil {
		if errors.Is(spanErr, approval.ErrNonHumanActor) {
			return echo.NewHTTPError(http.StatusForbidden, spanErr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, spanErr.Error())
	}
	return c.JSON(http.StatusOK, action)
}
