// Package connectors implements transport-only channel
// adapters that poll or receive push notifications from a provider,
// normalize events into ingest.v1, and submit them to Switchboard's
// canonical ingest boundary. Connectors never classify, route, or call
// specialist butlers directly — their entire job ends at one HTTP POST
// to /ingest.
package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// NormalizedEvent is one provider-native event translated into the shape
// ingest.v1 needs, plus the cursor position it advances to once
// accepted.
type NormalizedEvent struct {
	ExternalEventID  string
	ExternalThreadID *string
	ObservedAt       time.Time
	SenderIdentity   string
	RawPayload       json.RawMessage
	NormalizedText   string
	Cursor           string
}

// Poller is implemented by each provider-specific adapter (telegram,
// email, ...): fetch events newer than the given cursor, returning them
// in acceptance order.
type Poller interface {
	// Poll fetches events observed since cursor (the empty string means
	// "from the beginning" on first run) and returns them in the order
	// they should be submitted.
	Poll(ctx context.Context, cursor string) ([]NormalizedEvent, error)
	Channel() string
	Provider() string
}

// IngestClient submits one canonical ingest.v1 event to Switchboard.
type IngestClient interface {
	Submit(ctx context.Context, env envelope.IngestV1) (envelope.IngestAcceptance, error)
}

// HeartbeatClient sends one connector.heartbeat.v1 liveness signal to
// Switchboard.
type HeartbeatClient interface {
	Send(ctx context.Context, hb envelope.ConnectorHeartbeatV1) error
}

// CursorStore persists a connector's resume position outside process
// memory, advanced only after acceptance. One store instance is scoped to one
// connector instance's distinct cursor file.
type CursorStore interface {
	Load() (string, error)
	Save(cursor string) error
}

// RunnerConfig tunes one connector instance's poll/heartbeat cadence and
// retry posture.
type RunnerConfig struct {
	EndpointIdentity string
	PollInterval     time.Duration
	HeartbeatInterval time.Duration
	MaxSubmitAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultRunnerConfig uses a modest poll cadence and
// the exponential-backoff posture pkg/messenger's delivery engine uses
// for outbound retries.
func DefaultRunnerConfig(endpointIdentity string) RunnerConfig {
	return RunnerConfig{
		EndpointIdentity:  endpointIdentity,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxSubmitAttempts: 5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
	}
}

// Runner drives one Poller's poll/submit/heartbeat lifecycle. Each
// concurrent connector instance owns its own Runner, CursorStore, and
// endpoint_identity, so duplicate instances never share a cursor: each
// differs by endpoint_identity plus a distinct cursor file.
type Runner struct {
	poller     Poller
	ingest     IngestClient
	heartbeats HeartbeatClient
	cursor     CursorStore
	cfg        RunnerConfig
	log        func(format string, args ...any)
}

// NewRunner builds a Runner. log may be nil, in which case diagnostics
// are discarded.
func NewRunner(poller Poller, ingest IngestClient, heartbeats HeartbeatClient, cursor CursorStore, cfg RunnerConfig, log func(format string, args ...any)) *Runner {
	if log == nil {
		log = func(string, ...any) {}
	}
	return &Runner{poller: poller, ingest: ingest, heartbeats: heartbeats, cursor: cursor, cfg: cfg, log: log}
}

// Run blocks, polling and submitting until ctx is cancelled. Tolerant of
// at-least-once provider delivery: Switchboard's dedupe key, not the
// connector, is what makes re-submission of an already-seen event safe.
func (r *Runner) Run(ctx context.Context) error {
	cursor, err := r.cursor.Load()
	if err != nil {
		return fmt.Errorf("connectors: load cursor: %w", err)
	}

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	r.sendHeartbeat(ctx, cursor)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeatTicker.C:
			r.sendHeartbeat(ctx, cursor)
		case <-pollTicker.C:
			cursor = r.pollOnce(ctx, cursor)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context, cursor string) string {
	events, err := r.poller.Poll(ctx, cursor)
	if err != nil {
		r.log("connectors: poll failed for %s: %v", r.poller.Channel(), err)
		return cursor
	}

	for _, ev := range events {
		if err := r.submitWithRetry(ctx, ev); err != nil {
			r.log("connectors: giving up submitting event %s on %s: %v", ev.ExternalEventID, r.poller.Channel(), err)
			// Do not advance the cursor past an event that never got
			// accepted; it is retried on the next poll (at-least-once).
			return cursor
		}
		cursor = ev.Cursor
		if err := r.cursor.Save(cursor); err != nil {
			r.log("connectors: persist cursor for %s: %v", r.poller.Channel(), err)
		}
	}
	return cursor
}

func (r *Runner) submitWithRetry(ctx context.Context, ev NormalizedEvent) error {
	env := envelope.IngestV1{SchemaVersion: envelope.IngestSchemaVersion}
	env.Source.Channel = r.poller.Channel()
	env.Source.Provider = r.poller.Provider()
	env.Source.EndpointIdentity = r.cfg.EndpointIdentity
	env.Event.ExternalEventID = ev.ExternalEventID
	env.Event.ExternalThreadID = ev.ExternalThreadID
	env.Event.ObservedAt = ev.ObservedAt.UTC().Format(time.RFC3339)
	env.Sender.Identity = ev.SenderIdentity
	env.Payload.Raw = ev.RawPayload
	env.Payload.NormalizedText = ev.NormalizedText

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff
	bo.MaxInterval = r.cfg.MaxBackoff

	var lastErr error
	attempts := r.cfg.MaxSubmitAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if _, err := r.ingest.Submit(ctx, env); err != nil {
			lastErr = err
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("connectors: submit %s after %d attempts: %w", ev.ExternalEventID, attempts, lastErr)
}

func (r *Runner) sendHeartbeat(ctx context.Context, cursor string) {
	hb := envelope.ConnectorHeartbeatV1{
		SchemaVersion:    envelope.ConnectorHeartbeatSchemaVersion,
		EndpointIdentity: r.cfg.EndpointIdentity,
		Channel:          r.poller.Channel(),
		ObservedAt:       time.Now().UTC().Format(time.RFC3339),
		CursorPosition:   cursor,
	}
	if err := r.heartbeats.Send(ctx, hb); err != nil {
		r.log("connectors: heartbeat failed for %s: %v", r.poller.Channel(), err)
	}
}

// httpIngestClient submits ingest.v1 over plain net/http, mirroring the
// hand-rolled-HTTP-client shape pkg/switchboard/router.httpRouteClient
// and pkg/messenger's telegramProvider use for every other inter-process
// call in this module.
type httpIngestClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPIngestClient builds an IngestClient that POSTs to
// baseURL+"/ingest" on Switchboard.
func NewHTTPIngestClient(baseURL string, httpClient *http.Client) IngestClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &httpIngestClient{httpClient: httpClient, baseURL: baseURL}
}

func (c *httpIngestClient) Submit(ctx context.Context, env envelope.IngestV1) (envelope.IngestAcceptance, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: marshal ingest.v1: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: ingest request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: read ingest response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: ingest rejected (%d): %s", resp.StatusCode, string(raw))
	}

	var acceptance envelope.IngestAcceptance
	if err := json.Unmarshal(raw, &acceptance); err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("connectors: decode ingest acceptance: %w", err)
	}
	return acceptance, nil
}

// httpHeartbeatClient sends connector.heartbeat.v1 over plain net/http.
type httpHeartbeatClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPHeartbeatClient(baseURL string, httpClient *http.Client) HeartbeatClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &httpHeartbeatClient{httpClient: httpClient, baseURL: baseURL}
}

func (c *httpHeartbeatClient) Send(ctx context.Context, hb envelope.ConnectorHeartbeatV1) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("connectors: marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/connectors/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("connectors: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connectors: heartbeat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("connectors: heartbeat rejected (%d): %s", resp.StatusCode, string(raw))
	}
	return nil
}
