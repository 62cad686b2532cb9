// Package messenger implements the delivery engine: the sole outbound delivery
// path for every butler's send/reply/react requests. notify.v1 terminates
// here; Messenger never re-enters route.execute on any other butler.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/butler-fleet/butlers/pkg/database"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/observability"
)

// MigrationChain is Messenger's delivery_requests/_attempts/_receipts/
// _dead_letter/contact_info schema contribution.
func MigrationChain() database.MigrationChain {
	return database.MigrationChain{Name: "messenger", FS: migrationsFS, Dir: "migrations"}
}

// Config bundles Engine's tunables, on top of the layered rate budgets in
// AdmissionConfig.
type Config struct {
	Admission          AdmissionConfig
	MaxAttempts        int
	CircuitThreshold   int
	CircuitRecovery    time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
}

// DefaultConfig is the retry/circuit posture used when the manifest
// does not override it.
var DefaultConfig = Config{
	Admission:        DefaultAdmissionConfig,
	MaxAttempts:      5,
	CircuitThreshold: 5,
	CircuitRecovery:  30 * time.Second,
	InitialBackoff:   500 * time.Millisecond,
	MaxBackoff:       30 * time.Second,
}

// errMissingIdentifier signals that target resolution exhausted every
// priority (contact_id, recipient, owner default) and the request must
// park as pending_missing_identifier.
var errMissingIdentifier = errors.New("messenger: no resolvable target identifier")

// Engine is the delivery orchestrator: validate notify.v1, resolve a
// target, admit it under the layered rate budgets, and dispatch through
// a Provider with retry + circuit breaking, persisting every attempt.
type Engine struct {
	db       *sqlx.DB
	requests string
	attempts string
	deadLetter string
	contacts *contactStore

	providers map[string]Provider
	admission *admission
	circuits  *circuitRegistry

	cfg Config
	log *slog.Logger
}

// New constructs an Engine scoped to schema, with the given channel
// providers keyed by Provider.Channel().
func New(db *sqlx.DB, schema string, providers []Provider, cfg Config, log *slog.Logger) *Engine {
	byChannel := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Engine{
		db:         db,
		requests:   database.QualifyTable(schema, "delivery_requests"),
		attempts:   database.QualifyTable(schema, "delivery_attempts"),
		deadLetter: database.QualifyTable(schema, "delivery_dead_letter"),
		contacts:   newContactStore(db, database.QualifyTable(schema, "contact_info")),
		providers:  byChannel,
		admission:  newAdmission(cfg.Admission),
		circuits:   newCircuitRegistry(cfg.CircuitThreshold, cfg.CircuitRecovery),
		cfg:        cfg,
		log:        log.With("component", "messenger"),
	}
}

// Notify is Messenger's route.execute-equivalent entrypoint: it is the
// terminal handler for notify.v1, producing notify_response.v1 and never
// recursing into another butler's route.execute.
func (e *Engine) Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
	resp := envelope.NotifyResponseV1{
		SchemaVersion: envelope.NotifyResponseSchemaVersion,
		Delivery:      struct {
			Channel    string  `json:"channel"`
			DeliveryID *string `json:"delivery_id,omitempty"`
		}{Channel: req.Delivery.Channel},
	}
	resp.RequestContext.RequestID = req.RequestContext.RequestID

	if err := e.validate(req); err != nil {
		detail := envelope.NewErrorDetail(envelope.ClassValidation, err.Error())
		resp.Status, resp.Error = "error", &detail
		return resp
	}

	deliveryID, status, err := e.dispatch(ctx, req)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			class, original := envelope.NormalizeExecutorClass(perr.Class)
			msg := perr.Error()
			if original != "" {
				msg = fmt.Sprintf("%s (original class %s)", msg, original)
			}
			detail := envelope.NewErrorDetail(class, msg)
			resp.Status, resp.Error = "error", &detail
			return resp
		}
		detail := envelope.NewErrorDetail(envelope.ClassInternal, err.Error())
		resp.Status, resp.Error = "error", &detail
		return resp
	}

	idStr := deliveryID.String()
	resp.Delivery.DeliveryID = &idStr
	if status == models.DeliveryPendingMissingIdent {
		detail := envelope.NewErrorDetail(envelope.ClassValidation, "no resolvable identifier for recipient; parked pending_missing_identifier")
		resp.Status, resp.Error = "error", &detail
		return resp
	}
	resp.Status = "ok"
	return resp
}

// validate enforces notify.v1's required-field and intent-specific rules
// (reply/react require request lineage to pick a target; send
// requires an explicit target).
func (e *Engine) validate(req envelope.NotifyV1) error {
	if req.SchemaVersion != envelope.NotifySchemaVersion {
		return fmt.Errorf("unsupported schema_version %q", req.SchemaVersion)
	}
	if req.OriginButler == "" {
		return errors.New("origin_butler is required")
	}
	if req.Delivery.Channel == "" {
		return errors.New("delivery.channel is required")
	}
	if _, ok := e.providers[req.Delivery.Channel]; !ok {
		return fmt.Errorf("no provider registered for channel %q", req.Delivery.Channel)
	}
	switch req.Delivery.Intent {
	case models.IntentSend:
		if req.Delivery.Message == nil || *req.Delivery.Message == "" {
			return errors.New("send requires delivery.message")
		}
		if req.Delivery.Recipient == nil && req.Delivery.ContactID == nil {
			return errors.New("send requires delivery.recipient or delivery.contact_id")
		}
	case models.IntentReply:
		if req.Delivery.Message == nil || *req.Delivery.Message == "" {
			return errors.New("reply requires delivery.message")
		}
		if req.RequestContext.SourceSenderIdentity == "" && req.Delivery.Recipient == nil {
			return errors.New("reply requires source sender identity or an explicit recipient")
		}
	case models.IntentReact:
		if req.Delivery.Emoji == nil || *req.Delivery.Emoji == "" {
			return errors.New("react requires delivery.emoji")
		}
		if req.RequestContext.SourceSenderIdentity == "" && req.Delivery.Recipient == nil {
			return errors.New("react requires source sender identity or an explicit recipient")
		}
	default:
		return fmt.Errorf("unknown delivery intent %q", req.Delivery.Intent)
	}
	return nil
}

// resolveTarget applies the priority order contact_id -> recipient ->
// source sender identity (reply/react default) -> owner default.
func (e *Engine) resolveTarget(ctx context.Context, req envelope.NotifyV1) (string, error) {
	if req.Delivery.ContactID != nil {
		return e.contacts.ResolveContactID(ctx, *req.Delivery.ContactID, req.Delivery.Channel)
	}
	if req.Delivery.Recipient != nil && *req.Delivery.Recipient != "" {
		return *req.Delivery.Recipient, nil
	}
	if req.Delivery.Intent != models.IntentSend && req.RequestContext.SourceSenderIdentity != "" {
		return req.RequestContext.SourceSenderIdentity, nil
	}
	target, err := e.contacts.OwnerDefault(ctx, req.Delivery.Channel)
	if err != nil {
		return "", errMissingIdentifier
	}
	return target, nil
}

// presentContent applies the origin-butler presentation rule: a
// "[origin_butler]" prefix on chat-style channels, or a subject prefix on
// channels that carry a distinct subject line.
func presentContent(originButler, message string, subject *string) (string, string) {
	if subject != nil {
		return fmt.Sprintf("[%s] %s", originButler, *subject), message
	}
	return "", fmt.Sprintf("[%s] %s", originButler, message)
}

// dispatch is the admission-gated, retried, circuit-broken delivery
// attempt loop, persisting the delivery_requests row up front (idempotent
// on conflict) and one delivery_attempts row per try.
func (e *Engine) dispatch(ctx context.Context, req envelope.NotifyV1) (uuid.UUID, models.DeliveryStatus, error) {
	message := ""
	if req.Delivery.Message != nil {
		message = *req.Delivery.Message
	}
	contentHash := contentHashOf(message)
	identity := requestIdentity(req)

	target, resolveErr := e.resolveTarget(ctx, req)
	if resolveErr != nil {
		normalizedTarget := "unresolved"
		key := deriveIdempotencyKey(identity, req.OriginButler, req, normalizedTarget, contentHash)
		deliveryID, _, _, err := e.upsertRequest(ctx, key, req, normalizedTarget, contentHash, models.DeliveryPendingMissingIdent)
		return deliveryID, models.DeliveryPendingMissingIdent, err
	}

	key := deriveIdempotencyKey(identity, req.OriginButler, req, target, contentHash)
	deliveryID, existing, existingClass, err := e.upsertRequest(ctx, key, req, target, contentHash, models.DeliveryInFlight)
	if err != nil {
		return uuid.Nil, "", err
	}
	if existing == models.DeliveryInFlight {
		// A concurrent duplicate racing the original execution: coalesce
		// onto it by waiting for its row to reach a terminal state. Never
		// re-enter the attempt loop below — that would be a second,
		// parallel provider side effect for the same idempotency key.
		existing, existingClass, err = e.awaitTerminal(ctx, deliveryID)
		if err != nil {
			return deliveryID, models.DeliveryInFlight, err
		}
	}
	if existing != "" {
		// Already resolved by a prior call with the same idempotency key;
		// return its outcome without re-delivering. A replayed terminal
		// failure carries the original class back to the caller.
		switch existing {
		case models.DeliveryFailedTerminal, models.DeliveryDeadLettered, models.DeliveryFailedRetryable:
			if existingClass == "" {
				existingClass = string(envelope.ClassInternal)
			}
			return deliveryID, existing, &ProviderError{
				Class:     existingClass,
				Retryable: envelope.ErrorClass(existingClass).Retryable(),
				Err:       fmt.Errorf("messenger: delivery %s already terminal with status %s", deliveryID, existing),
			}
		}
		return deliveryID, existing, nil
	}

	subject, content := presentContent(req.OriginButler, message, req.Delivery.Subject)
	emoji := ""
	if req.Delivery.Emoji != nil {
		emoji = *req.Delivery.Emoji
	}

	provider := e.providers[req.Delivery.Channel]
	breaker := e.circuits.For(req.Delivery.Channel)
	isReply := req.Delivery.Intent == models.IntentReply

	attempt := 0
	var lastErr error
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff

	for attempt < e.cfg.MaxAttempts {
		attempt++
		if !e.admission.Allow(req.Delivery.Channel, req.RequestContext.SourceChannel, target, isReply) {
			lastErr = &ProviderError{Class: string(envelope.ClassOverloadRejected), Retryable: true, Err: errors.New("messenger: admission budget exhausted")}
			e.recordAttempt(ctx, deliveryID, attempt, "rejected", 0, lastErr)
			time.Sleep(bo.NextBackOff())
			continue
		}
		if !breaker.Allow() {
			lastErr = &ProviderError{Class: string(envelope.ClassTargetUnavailable), Retryable: true, Err: ErrCircuitOpen}
			e.recordAttempt(ctx, deliveryID, attempt, "circuit_open", 0, lastErr)
			time.Sleep(bo.NextBackOff())
			continue
		}

		start := time.Now()
		result, perr := observabilityDeliver(ctx, provider, target, content, DeliveryContext{Intent: string(req.Delivery.Intent), Emoji: emoji, Subject: subject})
		latency := time.Since(start)

		if perr == nil {
			breaker.RecordSuccess()
			e.recordAttempt(ctx, deliveryID, attempt, "succeeded", latency, nil)
			e.finalize(ctx, deliveryID, models.DeliverySucceeded, result.ProviderDeliveryID, "")
			return deliveryID, models.DeliverySucceeded, nil
		}

		breaker.RecordFailure()
		lastErr = perr
		e.recordAttempt(ctx, deliveryID, attempt, "failed", latency, perr)

		var pe *ProviderError
		if errors.As(perr, &pe) && !pe.Retryable {
			e.finalize(ctx, deliveryID, models.DeliveryFailedTerminal, "", pe.Class)
			return deliveryID, models.DeliveryFailedTerminal, perr
		}

		wait := bo.NextBackOff()
		if result.RetryAfter > 0 {
			wait = result.RetryAfter
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return deliveryID, models.DeliveryFailedRetryable, ctx.Err()
		}
	}

	e.finalize(ctx, deliveryID, models.DeliveryDeadLettered, "", "retries_exhausted")
	e.deadLetterRow(ctx, deliveryID, key, "max attempts exhausted")
	return deliveryID, models.DeliveryDeadLettered, lastErr
}

// observabilityDeliver wraps one provider call in an observability.Span,
// translating its returned error into a *ProviderError the caller can
// branch on.
func observabilityDeliver(ctx context.Context, provider Provider, target, content string, dctx DeliveryContext) (ProviderResult, error) {
	var result ProviderResult
	err := observability.Span(ctx, observability.SpanAttributes{
		Butler:        "messenger",
		ToolName:      "deliver." + provider.Channel(),
		TriggerSource: "notify",
		SourceChannel: provider.Channel(),
	}, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = provider.Deliver(ctx, target, content, dctx)
		return innerErr
	})
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return result, perr
		}
		return result, &ProviderError{Class: string(envelope.ClassInternal), Retryable: false, Err: err}
	}
	return result, nil
}

// upsertRequest inserts the delivery_requests row for key if absent,
// returning its current status and error class when a prior call
// already created it.
func (e *Engine) upsertRequest(ctx context.Context, key string, req envelope.NotifyV1, target, contentHash string, initial models.DeliveryStatus) (uuid.UUID, models.DeliveryStatus, string, error) {
	var requestID *uuid.UUID
	if req.RequestContext.RequestID != uuid.Nil {
		id := req.RequestContext.RequestID
		requestID = &id
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("generate delivery id: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, idempotency_key, origin_butler, channel, intent, resolved_target, content_hash, status, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING delivery_id, status`, e.requests)

	var (
		deliveryID uuid.UUID
		status     models.DeliveryStatus
	)
	err = e.db.QueryRowContext(ctx, query, newID, key, req.OriginButler, req.Delivery.Channel, req.Delivery.Intent, target, contentHash, initial, requestID).Scan(&deliveryID, &status)
	if err == nil {
		return deliveryID, "", "", nil
	}

	// Conflict: a delivery_requests row already exists for this key. Read
	// it back to return its prior outcome.
	var errClass string
	existingQuery := fmt.Sprintf(`SELECT delivery_id, status, COALESCE(error_class, '') FROM %s WHERE idempotency_key = $1`, e.requests)
	if selErr := e.db.QueryRowContext(ctx, existingQuery, key).Scan(&deliveryID, &status, &errClass); selErr != nil {
		return uuid.Nil, "", "", fmt.Errorf("lookup existing delivery_request: %w", selErr)
	}
	return deliveryID, status, errClass, nil
}

// awaitTerminal waits for an in-flight row created by a concurrent call
// with the same idempotency key to reach a terminal status, re-reading
// it on a short doubling backoff. The duplicate never executes anything
// itself; it only observes and returns the original execution's outcome.
func (e *Engine) awaitTerminal(ctx context.Context, deliveryID uuid.UUID) (models.DeliveryStatus, string, error) {
	query := fmt.Sprintf(`SELECT status, COALESCE(error_class, '') FROM %s WHERE delivery_id = $1`, e.requests)

	wait := 50 * time.Millisecond
	for {
		var (
			status   models.DeliveryStatus
			errClass string
		)
		if err := e.db.QueryRowContext(ctx, query, deliveryID).Scan(&status, &errClass); err != nil {
			return "", "", fmt.Errorf("poll coalesced delivery %s: %w", deliveryID, err)
		}
		if status != models.DeliveryInFlight {
			return status, errClass, nil
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", "", &ProviderError{
				Class:     string(envelope.ClassTimeout),
				Retryable: true,
				Err:       fmt.Errorf("messenger: timed out awaiting in-flight duplicate of delivery %s: %w", deliveryID, ctx.Err()),
			}
		}
		if wait < time.Second {
			wait *= 2
		}
	}
}

func (e *Engine) recordAttempt(ctx context.Context, deliveryID uuid.UUID, attemptNum int, outcome string, latency time.Duration, err error) {
	var class *string
	retryable := false
	if perr, ok := err.(*ProviderError); ok {
		c := perr.Class
		class = &c
		retryable = perr.Retryable
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, attempt_num, outcome, latency_ms, error_class, retryable)
		VALUES ($1, $2, $3, $4, $5, $6)`, e.attempts)
	if _, execErr := e.db.ExecContext(ctx, query, deliveryID, attemptNum, outcome, latency.Milliseconds(), class, retryable); execErr != nil {
		e.log.Error("record delivery attempt failed", "error", execErr, "delivery_id", deliveryID)
	}
}

func (e *Engine) finalize(ctx context.Context, deliveryID uuid.UUID, status models.DeliveryStatus, providerDeliveryID, errorClass string) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, provider_delivery_id = NULLIF($3, ''), error_class = NULLIF($4, ''), terminal_at = now()
		WHERE delivery_id = $1`, e.requests)
	if _, err := e.db.ExecContext(ctx, query, deliveryID, status, providerDeliveryID, errorClass); err != nil {
		e.log.Error("finalize delivery_request failed", "error", err, "delivery_id", deliveryID)
	}
}

func (e *Engine) deadLetterRow(ctx context.Context, deliveryID uuid.UUID, key, reason string) {
	query := fmt.Sprintf(`
		INSERT INTO %s (delivery_id, idempotency_key, reason, replay_eligible)
		VALUES ($1, $2, $3, true)`, e.deadLetter)
	if _, err := e.db.ExecContext(ctx, query, deliveryID, key, reason); err != nil {
		e.log.Error("insert delivery_dead_letter failed", "error", err, "delivery_id", deliveryID)
	}
}
