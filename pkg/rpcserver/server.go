// Package rpcserver implements the fixed core tool surface every
// butler exposes over HTTP — status, trigger, route.execute, tick,
// state/schedule CRUD, session queries, and notify — wired through
// labstack/echo/v5.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/butler-fleet/butlers/pkg/approval"
	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/module"
	"github.com/butler-fleet/butlers/pkg/observability"
	"github.com/butler-fleet/butlers/pkg/registry"
	"github.com/butler-fleet/butlers/pkg/scheduler"
	"github.com/butler-fleet/butlers/pkg/session"
	"github.com/butler-fleet/butlers/pkg/spawner"
	"github.com/butler-fleet/butlers/pkg/state"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
)

// HeartbeatSink records one connector.heartbeat.v1 signal.
// Implemented by pkg/audit.Store on Switchboard; nil on every other
// butler, where the route is not registered.
type HeartbeatSink interface {
	AppendHeartbeat(ctx context.Context, endpointIdentity, channel, cursorPosition string, observedAt time.Time) error
}

// NotifyDispatcher sends a notify.v1 envelope onward: for non-Switchboard
// butlers this wraps it as route.v1 and dispatches to Switchboard; the
// Switchboard and Messenger butlers supply implementations that terminate
// it directly.
type NotifyDispatcher interface {
	Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1
}

// RouteExecutor handles a validated, caller-authorized route.v1 envelope
// by spawning a session.
type RouteExecutor func(ctx context.Context, env envelope.RouteV1) envelope.RouteResponseV1

// Deps bundles everything a Server needs to answer the core tool surface.
type Deps struct {
	ButlerName          string
	Manifest            *config.Manifest
	DB                  *database.Client
	Spawner             *spawner.Spawner
	SessionLog           *session.Log
	Scheduler            *scheduler.Scheduler
	State                *state.Store
	ModuleRuntime        *module.Runtime
	Registry             *registry.Registry // nil on non-Switchboard butlers
	Notify               NotifyDispatcher
	RouteExecute         RouteExecutor
	TrustedRouteCallers  []string
	StartedAt            time.Time
	Ingress              *ingress.Ingress // non-nil only on Switchboard; enables POST /ingest
	Heartbeats           HeartbeatSink    // non-nil only on Switchboard; enables POST /connectors/heartbeat
	Approval             *approval.Gate          // nil unless the approvals module is enabled
	ActorVerifier        *approval.TokenVerifier // nil unless the approvals module is enabled
}

// Server is one butler's HTTP tool surface.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	deps       Deps
	log        *slog.Logger
}

// New constructs a Server and registers every core route.
func New(deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(2 << 20))

	s := &Server{echo: e, deps: deps, log: log.With("component", "rpcserver", "butler", deps.ButlerName)}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/status", s.handleStatus)
	s.echo.POST("/trigger", s.handleTrigger)
	s.echo.POST("/route.execute", s.handleRouteExecute)
	s.echo.POST("/notify", s.handleNotify)
	s.echo.POST("/tick", s.handleTick)
	s.echo.POST("/tools/:name", s.handleToolInvoke)

	if s.deps.Ingress != nil {
		s.echo.POST("/ingest", s.handleIngest)
	}
	if s.deps.Heartbeats != nil {
		s.echo.POST("/connectors/heartbeat", s.handleConnectorHeartbeat)
	}
	if s.deps.Registry != nil {
		s.echo.POST("/registry/register", s.handleRegistryRegister)
		s.echo.GET("/registry", s.handleRegistryList)
	}
	if s.deps.Approval != nil {
		s.echo.POST("/approvals/rules", s.handleStandingRuleCreate)
		s.echo.DELETE("/approvals/rules/:id", s.handleStandingRuleRevoke)
		s.echo.POST("/approvals/:id/approve", s.handleApprovalApprove)
		s.echo.POST("/approvals/:id/reject", s.handleApprovalReject)
		s.echo.GET("/approvals/:id", s.handleApprovalGet)
	}

	s.echo.GET("/state", s.handleStateList)
	s.echo.GET("/state/:key", s.handleStateGet)
	s.echo.PUT("/state/:key", s.handleStateSet)
	s.echo.DELETE("/state/:key", s.handleStateDelete)

	s.echo.GET("/schedule", s.handleScheduleList)
	s.echo.POST("/schedule", s.handleScheduleCreate)
	s.echo.DELETE("/schedule/:name", s.handleScheduleDelete)
	s.echo.POST("/schedule/:name/enabled", s.handleScheduleSetEnabled)

	// Static paths before the :id param, so "/sessions/summary" resolves
	// to the summary handler rather than being captured as an id.
	s.echo.GET("/sessions", s.handleSessionList)
	s.echo.GET("/sessions/summary", s.handleSessionSummary)
	s.echo.GET("/sessions/daily", s.handleSessionDaily)
	s.echo.GET("/sessions/top", s.handleSessionTop)
	s.echo.GET("/sessions/schedule_costs", s.handleScheduleCosts)
	s.echo.GET("/sessions/:id", s.handleSessionGet)
}

// Start runs the HTTP listener, blocking until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.deps.Manifest.Butler.Port),
		Handler: s.echo,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// span wraps one HTTP handler body in an observability.Span with the
// required low-cardinality attributes.
func (s *Server) span(c *echo.Context, toolName, triggerSource string, fn func(ctx context.Context) error) error {
	return observability.Span(c.Request().Context(), observability.SpanAttributes{
		Butler:        s.deps.ButlerName,
		ToolName:      toolName,
		TriggerSource: triggerSource,
		SourceChannel: "rpc",
	}, fn)
}

type statusResponse struct {
	Butler    string                  `json:"butler"`
	Healthy   bool                    `json:"healthy"`
	Modules   []string                `json:"modules"`
	UptimeS   float64                 `json:"uptime_s"`
	Stripped  []string                `json:"stripped_egress_tools,omitempty"`
	DB        *database.HealthStatus  `json:"db,omitempty"`
}

func (s *Server) handleStatus(c *echo.Context) error {
	var resp statusResponse
	err := s.span(c, "status", "trigger", func(ctx context.Context) error {
		names := make([]string, 0)
		var stripped []string
		if s.deps.ModuleRuntime != nil {
			for _, m := range s.deps.ModuleRuntime.Modules() {
				names = append(names, m.Name())
			}
			stripped = s.deps.ModuleRuntime.StrippedTools()
		}
		resp = statusResponse{
			Butler:   s.deps.ButlerName,
			Healthy:  true,
			Modules:  names,
			UptimeS:  time.Since(s.deps.StartedAt).Seconds(),
			Stripped: stripped,
		}
		if s.deps.DB != nil {
			health := s.deps.DB.Health(ctx)
			resp.DB = &health
			resp.Healthy = health.Healthy
		}
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

type triggerRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

func (s *Server) handleTrigger(c *echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	var result models.Session
	err := s.span(c, "trigger", "trigger", func(ctx context.Context) error {
		sess, invokeErr := s.deps.Spawner.Invoke(ctx, models.OpenSessionFields{
			TriggerSource: models.TriggerTrigger,
			Prompt:        req.Prompt,
		})
		if invokeErr != nil {
			return invokeErr
		}
		result = sess
		return nil
	})
	if err != nil {
		if errors.Is(err, spawner.ErrOverloadRejected) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "overload_rejected")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// handleRouteExecute enforces trusted_route_callers and version
// negotiation BEFORE any side effect.
func (s *Server) handleRouteExecute(c *echo.Context) error {
	var env envelope.RouteV1
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, envelope.RouteResponseV1{
			SchemaVersion: envelope.RouteResponseSchemaVersion,
			Status:        "error",
			Error:         ptrErr(envelope.NewErrorDetail(envelope.ClassValidation, "invalid request body")),
		})
	}

	caller := env.SourceMetadata.Identity
	if !isTrustedCaller(caller, s.deps.TrustedRouteCallers) {
		resp := envelope.RouteResponseV1{
			SchemaVersion:  envelope.RouteResponseSchemaVersion,
			RequestContext: env.RequestContext,
			Status:         "error",
			Error:          ptrErr(envelope.NewErrorDetail(envelope.ClassValidation, fmt.Sprintf("caller %q is not a trusted route caller", caller))),
		}
		return c.JSON(http.StatusForbidden, resp)
	}

	if env.SchemaVersion != envelope.RouteSchemaVersion {
		resp := envelope.RouteResponseV1{
			SchemaVersion:  envelope.RouteResponseSchemaVersion,
			RequestContext: env.RequestContext,
			Status:         "error",
			Error:          ptrErr(envelope.NewErrorDetail(envelope.ClassValidation, fmt.Sprintf("unsupported schema_version %q", env.SchemaVersion))),
		}
		return c.JSON(http.StatusBadRequest, resp)
	}

	var resp envelope.RouteResponseV1
	err := s.span(c, "route.execute", "trigger", func(ctx context.Context) error {
		resp = s.deps.RouteExecute(ctx, env)
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// isTrustedCaller checks caller against the configured allowlist,
// defaulting to ["switchboard"] when none is configured.
func isTrustedCaller(caller string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = []string{"switchboard"}
	}
	for _, a := range allowed {
		if a == caller {
			return true
		}
	}
	return false
}

func (s *Server) handleNotify(c *echo.Context) error {
	var req envelope.NotifyV1
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var resp envelope.NotifyResponseV1
	err := s.span(c, "notify", "trigger", func(ctx context.Context) error {
		resp = s.deps.Notify.Notify(ctx, req)
		return nil
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTick(c *echo.Context) error {
	err := s.span(c, "tick", "tick", func(ctx context.Context) error {
		return s.deps.Scheduler.Tick(ctx, func(ctx context.Context, task models.ScheduledTask) (string, error) {
			prompt := task.Prompt
			if prompt == nil {
				empty := ""
				prompt = &empty
			}
			sess, invokeErr := s.deps.Spawner.Invoke(ctx, models.OpenSessionFields{
				TriggerSource: models.TriggerSchedule(task.Name),
				Prompt:        *prompt,
			})
			if invokeErr != nil {
				return "", invokeErr
			}
			if sess.Success != nil && *sess.Success {
				return "ok", nil
			}
			return "failed", nil
		})
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// handleIngest is Switchboard's sole entry point for canonical
// ingest.v1 events submitted by connectors. It is only
// registered when Deps.Ingress is set.
func (s *Server) handleIngest(c *echo.Context) error {
	var env envelope.IngestV1
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	var acceptance envelope.IngestAcceptance
	err := s.span(c, "ingest", "connector", func(ctx context.Context) error {
		var acceptErr error
		acceptance, acceptErr = s.deps.Ingress.Accept(ctx, env)
		return acceptErr
	})
	if err != nil {
		if errors.Is(err, ingress.ErrOverloadRejected) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "overload_rejected"})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, acceptance)
}

type connectorHeartbeatResponse struct {
	Status string `json:"status"`
}

// handleConnectorHeartbeat records one connector.heartbeat.v1 liveness
// signal. Persistence failures are fail-open: the connector
// still gets an "ok" so a transient audit-write hiccup never stalls its
// poll loop.
func (s *Server) handleConnectorHeartbeat(c *echo.Context) error {
	var hb envelope.ConnectorHeartbeatV1
	if err := c.Bind(&hb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if hb.SchemaVersion != envelope.ConnectorHeartbeatSchemaVersion {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported schema_version %q", hb.SchemaVersion))
	}

	observedAt, err := time.Parse(time.RFC3339, hb.ObservedAt)
	if err != nil {
		observedAt = time.Now()
	}

	_ = s.span(c, "connectors.heartbeat", "connector", func(ctx context.Context) error {
		if hbErr := s.deps.Heartbeats.AppendHeartbeat(ctx, hb.EndpointIdentity, hb.Channel, hb.CursorPosition, observedAt); hbErr != nil {
			s.log.Warn("failed to persist connector heartbeat", "endpoint_identity", hb.EndpointIdentity, "error", hbErr)
		}
		return nil
	})
	return c.JSON(http.StatusOK, connectorHeartbeatResponse{Status: "ok"})
}

func ptrErr(e envelope.ErrorDetail) *envelope.ErrorDetail { return &e }
