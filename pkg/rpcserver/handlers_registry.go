package rpcserver

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/butler-fleet/butlers/pkg/models"
)

// handleRegistryRegister is Switchboard's advertisement endpoint: an
// idempotent upsert keyed by butler name. Fleet members call it on an
// interval inside their liveness TTL so last_seen_at stays fresh.
func (s *Server) handleRegistryRegister(c *echo.Context) error {
	var reg models.ButlerRegistration
	if err := c.Bind(&reg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if reg.Name == "" || reg.EndpointURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and endpoint_url are required")
	}

	err := s.span(c, "registry.register", "trigger", func(ctx context.Context) error {
		return s.deps.Registry.Register(ctx, reg)
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleRegistryList returns the currently routable fleet (online plus
// stale), which is also what the Heartbeat butler sweeps with /tick.
func (s *Server) handleRegistryList(c *echo.Context) error {
	var regs []models.ButlerRegistration
	err := s.span(c, "registry.list", "trigger", func(ctx context.Context) error {
		var listErr error
		regs, listErr = s.deps.Registry.RoutableTargets(ctx, time.Now(), true)
		return listErr
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if regs == nil {
		regs = []models.ButlerRegistration{}
	}
	return c.JSON(http.StatusOK, regs)
}
