package rpcserver

import (
	"context"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/models"
)

func (s *Server) handleSessionGet(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	var sess *models.Session
	spanErr := s.span(c, "session.get", "trigger", func(ctx context.Context) error {
		result, getErr := s.deps.SessionLog.Get(ctx, id)
		sess = result
		return getErr
	})
	if spanErr != nil {
		return echo.NewHTTPError(http.StatusNotFound, spanErr.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionList(c *echo.Context) error {
	page := models.Pagination{Limit: 50}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Offset = n
		}
	}

	var filter models.SessionFilter
	filter.TriggerSourcePrefix = c.QueryParam("trigger_source_prefix")

	var sessions []models.Session
	err := s.span(c, "session.list", "trigger", func(ctx context.Context) error {
		result, listErr := s.deps.SessionLog.List(ctx, filter, page)
		sessions = result
		return listErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleSessionSummary(c *echo.Context) error {
	period := models.SummaryPeriod(c.QueryParam("period"))
	if period == "" {
		period = models.SummaryToday
	}

	var summary *models.SessionSummary
	err := s.span(c, "session.summary", "trigger", func(ctx context.Context) error {
		result, sumErr := s.deps.SessionLog.Summary(ctx, period)
		summary = result
		return sumErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSessionDaily(c *echo.Context) error {
	days := 7
	if v := c.QueryParam("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	var stats []models.DailySessionStats
	err := s.span(c, "session.daily", "trigger", func(ctx context.Context) error {
		result, dailyErr := s.deps.SessionLog.Daily(ctx, days)
		stats = result
		return dailyErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSessionTop(c *echo.Context) error {
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var sessions []models.Session
	err := s.span(c, "session.top", "trigger", func(ctx context.Context) error {
		result, topErr := s.deps.SessionLog.TopSessions(ctx, limit)
		sessions = result
		return topErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleScheduleCosts(c *echo.Context) error {
	var costs []models.ScheduleCost
	err := s.span(c, "session.schedule_costs", "trigger", func(ctx context.Context) error {
		result, costErr := s.deps.SessionLog.ScheduleCosts(ctx)
		costs = result
		return costErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, costs)
}
