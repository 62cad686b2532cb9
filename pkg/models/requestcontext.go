package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestContext is the Switchboard-owned lineage record propagated
// unchanged through every routed hop. Once
// assigned, RequestID is immutable through all fanout.
type RequestContext struct {
	RequestID              uuid.UUID `json:"request_id"`
	ReceivedAt             time.Time `json:"received_at"`
	SourceChannel          string    `json:"source_channel"`
	SourceEndpointIdentity string    `json:"source_endpoint_identity"`
	SourceSenderIdentity   string    `json:"source_sender_identity"`
	SourceThreadIdentity   *string   `json:"source_thread_identity,omitempty"`
	SubrequestID           *string   `json:"subrequest_id,omitempty"`
	SegmentID              *string   `json:"segment_id,omitempty"`
	TraceContext           *string   `json:"trace_context,omitempty"`
}

// WithSubrequest returns a copy of the context scoped to one fanout
// subrequest, preserving the immutable RequestID.
func (r RequestContext) WithSubrequest(subrequestID, segmentID string) RequestContext {
	c := r
	c.SubrequestID = &subrequestID
	c.SegmentID = &segmentID
	return c
}

// LifecycleState is the interactive, user-visible terminal state machine
// of one ingested request.
type LifecycleState string

const (
	LifecyclePROGRESS LifecycleState = "PROGRESS"
	LifecyclePARSED   LifecycleState = "PARSED"
	LifecycleERRORED  LifecycleState = "ERRORED"
)

// MessageInbox is the month-partitioned, 1-month-retention canonical
// ingest record.
type MessageInbox struct {
	RequestID           uuid.UUID       `db:"request_id"`
	RequestContext      JSONValue       `db:"request_context"`
	RawPayload          JSONValue       `db:"raw_payload"`
	NormalizedText      string          `db:"normalized_text"`
	ClassificationResult *JSONValue     `db:"classification_result"`
	DispatchOutcomes    JSONValue       `db:"dispatch_outcomes"`
	ResponseSummary     *string         `db:"response_summary"`
	LifecycleState      LifecycleState  `db:"lifecycle_state"`
	DedupeKey           string          `db:"dedupe_key"`
	ReceivedAt          time.Time       `db:"received_at"`
	CompletedAt         *time.Time      `db:"completed_at"`
}

// RoutingLogEntry is one append-only row per dispatched subrequest.
type RoutingLogEntry struct {
	ID           int64     `db:"id"`
	RequestID    uuid.UUID `db:"request_id"`
	SubrequestID string    `db:"subrequest_id"`
	SegmentID    string    `db:"segment_id"`
	TargetButler string    `db:"target_butler"`
	Tool         string    `db:"tool"`
	Outcome      string    `db:"outcome"`
	ErrorClass   *string   `db:"error_class"`
	DurationMs   int64     `db:"duration_ms"`
	StartedAt    time.Time `db:"started_at"`
}

// ButlerRegistration is one row of the Switchboard-owned butler registry.
type ButlerRegistration struct {
	Name             string          `db:"name"`
	EndpointURL      string          `db:"endpoint_url"`
	Modules          JSONStringSlice `db:"modules"`
	Capabilities     JSONValue       `db:"capabilities"`
	LastSeenAt       time.Time       `db:"last_seen_at"`
	RouteContractMin int             `db:"route_contract_min"`
	RouteContractMax int             `db:"route_contract_max"`
	AdvertiseFlag    bool            `db:"advertise_flag"`
}

// Liveness classifies a registration by how recently it was last seen.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessStale   Liveness = "stale"
	LivenessOffline Liveness = "offline"
)
