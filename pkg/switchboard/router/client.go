package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// RouteClient dispatches one route.v1 envelope to a target butler's
// route.execute endpoint. Split out as an interface so fanout tests can
// supply a fake instead of spinning up a real HTTP server.
type RouteClient interface {
	Execute(ctx context.Context, endpointURL string, env envelope.RouteV1) (envelope.RouteResponseV1, error)
}

// httpRouteClient calls route.execute over plain net/http, mirroring the
// hand-rolled-HTTP-client shape pkg/messenger's telegramProvider uses
// for outbound provider calls.
type httpRouteClient struct {
	httpClient *http.Client
	callerName string
}

// NewHTTPRouteClient builds a RouteClient that identifies itself as
// callerName (normally "switchboard") in every envelope's
// source_metadata.identity, which is what the target's
// trusted_route_callers check inspects.
func NewHTTPRouteClient(callerName string, httpClient *http.Client) RouteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpRouteClient{httpClient: httpClient, callerName: callerName}
}

func (c *httpRouteClient) Execute(ctx context.Context, endpointURL string, env envelope.RouteV1) (envelope.RouteResponseV1, error) {
	env.SourceMetadata.Identity = c.callerName
	body, err := json.Marshal(env)
	if err != nil {
		return envelope.RouteResponseV1{}, fmt.Errorf("router: marshal route.v1: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL+"/route.execute", bytes.NewReader(body))
	if err != nil {
		return envelope.RouteResponseV1{}, fmt.Errorf("router: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if env.RequestContext.TraceContext != nil {
		req.Header.Set("traceparent", *env.RequestContext.TraceContext)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope.RouteResponseV1{}, &transportError{class: envelope.ClassTimeout, err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope.RouteResponseV1{}, &transportError{class: envelope.ClassTargetUnavailable, err: err}
	}

	var out envelope.RouteResponseV1
	if err := json.Unmarshal(raw, &out); err != nil {
		return envelope.RouteResponseV1{}, &transportError{class: envelope.ClassTargetUnavailable, err: fmt.Errorf("decode route_response.v1: %w", err)}
	}
	return out, nil
}

// transportError carries the error class a failed HTTP round-trip
// should be synthesized as: on transport failure or timeout, a terminal
// timeout or target_unavailable response.
type transportError struct {
	class envelope.ErrorClass
	err   error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
