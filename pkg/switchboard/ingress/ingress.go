// Package ingress implements Switchboard's sole entry
// point for canonical ingest.v1 events. It validates, computes a
// channel-specific dedupe key, inserts the canonical request into
// message_inbox (idempotently, via pkg/audit), and hands accepted work
// to the router asynchronously through a bounded, channel-fair
// admission queue — ingestion acceptance is decoupled from routing
// execution.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/audit"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
)

// RouteWork is the unit of asynchronous work handed from ingress to the
// router once an ingest has been accepted and persisted.
type RouteWork struct {
	RequestContext models.RequestContext
	NormalizedText string
	RawPayload     []byte
	PolicyTier     *string
}

// Ingress is Switchboard's ingest.v1 entry point.
type Ingress struct {
	audit     *audit.Store
	admission *admission
	log       *slog.Logger
}

// New constructs an Ingress wired to the shared audit store (message_inbox
// + routing_log) and a router to receive accepted work.
func New(store *audit.Store, cfg AdmissionConfig, router RouteEnqueuer, log *slog.Logger) *Ingress {
	if log == nil {
		log = slog.Default()
	}
	return &Ingress{
		audit:     store,
		admission: newAdmission(cfg, router),
		log:       log.With("component", "switchboard.ingress"),
	}
}

// Start spawns the admission queue's fairness dispatch loop. Call once
// at butler startup.
func (i *Ingress) Start(ctx context.Context) { i.admission.start(ctx) }

// Stop halts the dispatch loop. In-flight dispatches are not awaited;
// callers shut down the HTTP listener first so no new Accept calls race
// this.
func (i *Ingress) Stop() { i.admission.stop() }

// Accept validates, dedupes, and persists one ingest.v1 event, then
// enqueues routing work asynchronously, returning immediately with the
// request_id.
func (i *Ingress) Accept(ctx context.Context, env envelope.IngestV1) (envelope.IngestAcceptance, error) {
	if err := validate(env); err != nil {
		return envelope.IngestAcceptance{}, err
	}

	key := dedupeKey(env)
	freshID, err := uuid.NewV7()
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("ingress: generate request id: %w", err)
	}

	reqCtx := models.RequestContext{
		RequestID:              freshID,
		SourceChannel:          env.Source.Channel,
		SourceEndpointIdentity: env.Source.EndpointIdentity,
		SourceSenderIdentity:   env.Sender.Identity,
		SourceThreadIdentity:   env.Event.ExternalThreadID,
		TraceContext:           env.Control.TraceContext,
	}

	result, err := i.audit.InsertCanonical(ctx, key, freshID.String(), reqCtx, env.Payload.Raw, env.Payload.NormalizedText)
	if err != nil {
		return envelope.IngestAcceptance{}, fmt.Errorf("ingress: persist canonical request: %w", err)
	}

	if result.Deduped {
		existingID, parseErr := uuid.Parse(result.RequestID)
		if parseErr != nil {
			return envelope.IngestAcceptance{}, fmt.Errorf("ingress: parse deduped request id: %w", parseErr)
		}
		return envelope.IngestAcceptance{RequestID: existingID, Outcome: "deduped"}, nil
	}

	// Lifecycle PROGRESS is the row's default state from InsertCanonical
	// state; nothing further to signal here for non-interactive
	// callers. Interactive channel adapters observe PROGRESS via their
	// own reaction/ack mechanism once routing begins.
	work := RouteWork{
		RequestContext: reqCtx,
		NormalizedText: env.Payload.NormalizedText,
		RawPayload:     env.Payload.Raw,
		PolicyTier:     env.Control.PolicyTier,
	}
	if err := i.admission.submit(ctx, work); err != nil {
		if errors.Is(err, ErrOverloadRejected) {
			// The row is already durable; mark it ERRORED so it doesn't
			// sit at PROGRESS forever with no routing work ever queued.
			_ = i.audit.MarkErrored(ctx, freshID.String(), "overload_rejected", json.RawMessage("null"), json.RawMessage("[]"))
			return envelope.IngestAcceptance{}, ErrOverloadRejected
		}
		return envelope.IngestAcceptance{}, err
	}

	return envelope.IngestAcceptance{RequestID: freshID, Outcome: "accepted"}, nil
}

func validate(env envelope.IngestV1) error {
	if env.SchemaVersion != envelope.IngestSchemaVersion {
		return fmt.Errorf("ingress: unsupported schema_version %q", env.SchemaVersion)
	}
	if env.Source.Channel == "" {
		return errors.New("ingress: source.channel is required")
	}
	if env.Event.ExternalEventID == "" {
		return errors.New("ingress: event.external_event_id is required")
	}
	if env.Sender.Identity == "" {
		return errors.New("ingress: sender.identity is required")
	}
	return nil
}
