package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/butler-fleet/butlers/pkg/models"
)

func (s *Server) handleStateGet(c *echo.Context) error {
	key := c.Param("key")
	var value json.RawMessage
	var found bool
	err := s.span(c, "state.get", "trigger", func(ctx context.Context) error {
		v, ok, getErr := s.deps.State.Get(ctx, key)
		value, found = v, ok
		return getErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "key not found")
	}
	return c.Blob(http.StatusOK, "application/json", value)
}

func (s *Server) handleStateSet(c *echo.Context) error {
	key := c.Param("key")
	body, err := readRawBody(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err = s.span(c, "state.set", "trigger", func(ctx context.Context) error {
		return s.deps.State.Set(ctx, key, body)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStateDelete(c *echo.Context) error {
	key := c.Param("key")
	err := s.span(c, "state.delete", "trigger", func(ctx context.Context) error {
		return s.deps.State.Delete(ctx, key)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStateList(c *echo.Context) error {
	prefix := c.QueryParam("prefix")
	var entries []models.StateEntry
	err := s.span(c, "state.list", "trigger", func(ctx context.Context) error {
		es, listErr := s.deps.State.List(ctx, prefix)
		entries = es
		return listErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

type scheduleCreateRequest struct {
	Name string `json:"name"`
	Cron string `json:"cron"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleScheduleCreate(c *echo.Context) error {
	var req scheduleCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" || req.Cron == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and cron are required")
	}
	err := s.span(c, "schedule.create", "trigger", func(ctx context.Context) error {
		return s.deps.Scheduler.CreateRuntimeTask(ctx, req.Name, req.Cron, req.Prompt)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleScheduleList(c *echo.Context) error {
	var tasks []models.ScheduledTask
	err := s.span(c, "schedule.list", "trigger", func(ctx context.Context) error {
		ts, listErr := s.deps.Scheduler.List(ctx)
		tasks = ts
		return listErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleScheduleDelete(c *echo.Context) error {
	name := c.Param("name")
	err := s.span(c, "schedule.delete", "trigger", func(ctx context.Context) error {
		return s.deps.Scheduler.Delete(ctx, name)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleScheduleSetEnabled(c *echo.Context) error {
	name := c.Param("name")
	enabled, err := strconv.ParseBool(c.QueryParam("enabled"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled query param must be true or false")
	}
	err = s.span(c, "schedule.set_enabled", "trigger", func(ctx context.Context) error {
		return s.deps.Scheduler.SetEnabled(ctx, name, enabled)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func readRawBody(c *echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
