package rpcserver

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

type toolInvokeResponse struct {
	Status   string `json:"status"` // "ok" | "pending_approval"
	Result   any    `json:"result,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

// handleToolInvoke runs one registered module tool by name. Gated tools
// go through the approval pipeline and may come back pending instead of
// executed; the caller receives a structured pending_approval response
// rather than an error, and the underlying tool has not run.
func (s *Server) handleToolInvoke(c *echo.Context) error {
	name := c.Param("name")
	desc, ok := s.deps.ModuleRuntime.Tools()[name]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tool")
	}

	args := map[string]any{}
	if err := c.Bind(&args); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var resp toolInvokeResponse
	err := s.span(c, name, "trigger", func(ctx context.Context) error {
		if s.deps.Approval != nil && s.deps.Approval.IsGated(name) {
			outcome, invErr := s.deps.Approval.Invoke(ctx, name, args)
			if invErr != nil {
				return invErr
			}
			if !outcome.Executed {
				resp = toolInvokeResponse{Status: "pending_approval", ActionID: outcome.Pending.ActionID}
				return nil
			}
			resp = toolInvokeResponse{Status: "ok", Result: outcome.Result}
			return nil
		}

		result, invErr := desc.Handler(ctx, args)
		if invErr != nil {
			return invErr
		}
		resp = toolInvokeResponse{Status: "ok", Result: result}
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
