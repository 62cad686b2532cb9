// Package envelope defines the canonical wire envelopes shared by the
// RPC, ingress, router, and messenger layers: ingest.v1, route.v1, route_response.v1,
// notify.v1, notify_response.v1, and connector.heartbeat.v1.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/models"
)

// ErrorClass is the canonical error taxonomy. Each class carries a
// fixed Retryable value via Retryable().
type ErrorClass string

const (
	ClassValidation       ErrorClass = "validation_error"
	ClassTargetUnavailable ErrorClass = "target_unavailable"
	ClassTimeout          ErrorClass = "timeout"
	ClassOverloadRejected ErrorClass = "overload_rejected"
	ClassInternal         ErrorClass = "internal_error"
	// Switchboard-only decision-layer classes; downstream butlers
	// MUST NOT emit these.
	ClassClassification ErrorClass = "classification_error"
	ClassRouting        ErrorClass = "routing_error"
)

// Retryable reports whether this error class is eligible for retry.
// validation_error and internal_error are never retried;
// classification_error/routing_error are Switchboard-internal decision
// failures and are likewise non-retryable from a caller's perspective.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTargetUnavailable, ClassTimeout, ClassOverloadRejected:
		return true
	default:
		return false
	}
}

// executorErrorClasses is the restricted set a route_response.v1 or
// notify_response.v1 error may carry. Anything else is
// normalized to ClassInternal, preserving the original as metadata.
var executorErrorClasses = map[ErrorClass]bool{
	ClassValidation:        true,
	ClassTargetUnavailable: true,
	ClassTimeout:           true,
	ClassOverloadRejected:  true,
	ClassInternal:          true,
}

// NormalizeExecutorClass maps an arbitrary class string to the
// restricted executor set, returning the original string as
// nonUserFacingOriginal when it had to be coerced.
func NormalizeExecutorClass(class string) (normalized ErrorClass, nonUserFacingOriginal string) {
	c := ErrorClass(class)
	if executorErrorClasses[c] {
		return c, ""
	}
	return ClassInternal, class
}

// ErrorDetail is the {class, message, retryable} shape carried by
// route_response.v1 and notify_response.v1 on failure.
type ErrorDetail struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

// NewErrorDetail builds an ErrorDetail with Retryable derived from class.
func NewErrorDetail(class ErrorClass, message string) ErrorDetail {
	return ErrorDetail{Class: class, Message: message, Retryable: class.Retryable()}
}

// IngestV1 is the connector → Switchboard canonical ingest envelope.
type IngestV1 struct {
	SchemaVersion string `json:"schema_version"`
	Source        struct {
		Channel           string `json:"channel"`
		Provider          string `json:"provider"`
		EndpointIdentity  string `json:"endpoint_identity"`
	} `json:"source"`
	Event struct {
		ExternalEventID  string  `json:"external_event_id"`
		ExternalThreadID *string `json:"external_thread_id,omitempty"`
		ObservedAt       string  `json:"observed_at"`
	} `json:"event"`
	Sender struct {
		Identity string `json:"identity"`
	} `json:"sender"`
	Payload struct {
		Raw            json.RawMessage `json:"raw"`
		NormalizedText string          `json:"normalized_text"`
	} `json:"payload"`
	Control struct {
		IdempotencyKey *string `json:"idempotency_key,omitempty"`
		TraceContext   *string `json:"trace_context,omitempty"`
		PolicyTier     *string `json:"policy_tier,omitempty"`
	} `json:"control"`
}

const IngestSchemaVersion = "ingest.v1"

// IngestAcceptance is the synchronous acknowledgement returned by
// Switchboard ingress on accepting (or deduping) an ingest.v1 event.
type IngestAcceptance struct {
	RequestID uuid.UUID `json:"request_id"`
	Outcome   string    `json:"outcome"` // "accepted" | "deduped"
}

// RouteV1 is the Switchboard → target butler route.execute envelope.
type RouteV1 struct {
	SchemaVersion  string                 `json:"schema_version"`
	RequestContext models.RequestContext  `json:"request_context"`
	Input          RouteInput             `json:"input"`
	SourceMetadata RouteSourceMetadata    `json:"source_metadata"`
}

// RouteInput carries the routed prompt and optional structured context,
// including the notify.v1 passthrough payload used by the notify → route
// bridge.
type RouteInput struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
}

// NotifyRequestKey is the input.context key carrying a notify.v1 payload
// when a non-Switchboard butler's notify() wraps its request as route.v1.
const NotifyRequestKey = "notify_request"

// RouteSourceMetadata identifies the calling tool/channel context.
type RouteSourceMetadata struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
	ToolName string `json:"tool_name"`
}

const RouteSchemaVersion = "route.v1"

// RouteResponseV1 is the target → Switchboard response envelope.
type RouteResponseV1 struct {
	SchemaVersion  string                `json:"schema_version"`
	RequestContext models.RequestContext `json:"request_context"`
	Status         string                `json:"status"` // "ok" | "error"
	Result         json.RawMessage       `json:"result,omitempty"`
	Error          *ErrorDetail          `json:"error,omitempty"`
	Timing         struct {
		DurationMs int64 `json:"duration_ms"`
	} `json:"timing"`
}

const RouteResponseSchemaVersion = "route_response.v1"

// NotifyV1 is the any-butler → Switchboard → Messenger outbound request.
type NotifyV1 struct {
	SchemaVersion  string                `json:"schema_version"`
	OriginButler   string                `json:"origin_butler"`
	Delivery       NotifyDelivery        `json:"delivery"`
	RequestContext models.RequestContext `json:"request_context"`
}

// NotifyDelivery describes the requested outbound action.
type NotifyDelivery struct {
	Intent    models.DeliveryIntent `json:"intent"`
	Channel   string                `json:"channel"`
	Message   *string               `json:"message,omitempty"`
	Recipient *string               `json:"recipient,omitempty"`
	ContactID *string               `json:"contact_id,omitempty"`
	Subject   *string               `json:"subject,omitempty"`
	Emoji     *string               `json:"emoji,omitempty"`
}

const NotifySchemaVersion = "notify.v1"

// NotifyResponseV1 echoes the outcome of a notify.v1 request.
type NotifyResponseV1 struct {
	SchemaVersion  string                `json:"schema_version"`
	RequestContext struct {
		RequestID uuid.UUID `json:"request_id"`
	} `json:"request_context"`
	Status   string `json:"status"`
	Delivery struct {
		Channel    string  `json:"channel"`
		DeliveryID *string `json:"delivery_id,omitempty"`
	} `json:"delivery"`
	Error *ErrorDetail `json:"error,omitempty"`
}

const NotifyResponseSchemaVersion = "notify_response.v1"

// ConnectorHeartbeatV1 is the periodic liveness signal a connector
// sends to Switchboard.
type ConnectorHeartbeatV1 struct {
	SchemaVersion    string `json:"schema_version"`
	EndpointIdentity string `json:"endpoint_identity"`
	Channel          string `json:"channel"`
	ObservedAt       string `json:"observed_at"`
	CursorPosition   string `json:"cursor_position,omitempty"`
}

const ConnectorHeartbeatSchemaVersion = "connector.heartbeat.v1"
