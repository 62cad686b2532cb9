package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryIntent is the kind of outbound action Messenger performs.
type DeliveryIntent string

const (
	IntentSend  DeliveryIntent = "send"
	IntentReply DeliveryIntent = "reply"
	IntentReact DeliveryIntent = "react"
)

// DeliveryStatus is the terminal/in-flight state of a delivery request.
type DeliveryStatus string

const (
	DeliveryInFlight            DeliveryStatus = "in_flight"
	DeliverySucceeded           DeliveryStatus = "succeeded"
	DeliveryFailedRetryable     DeliveryStatus = "failed_retryable"
	DeliveryFailedTerminal      DeliveryStatus = "failed_terminal"
	DeliveryDeadLettered        DeliveryStatus = "dead_lettered"
	DeliveryPendingMissingIdent DeliveryStatus = "pending_missing_identifier"
)

// DeliveryRequest is Messenger's canonical, idempotency-keyed delivery
// record. The idempotency-key unique index is the single
// source of truth for at-most-one-effect delivery.
type DeliveryRequest struct {
	DeliveryID      uuid.UUID      `db:"delivery_id"`
	IdempotencyKey  string         `db:"idempotency_key"`
	OriginButler    string         `db:"origin_butler"`
	Channel         string         `db:"channel"`
	Intent          DeliveryIntent `db:"intent"`
	ResolvedTarget  string         `db:"resolved_target"`
	ContentHash     string         `db:"content_hash"`
	Status          DeliveryStatus `db:"status"`
	ProviderDeliveryID *string     `db:"provider_delivery_id"`
	ErrorClass      *string        `db:"error_class"`
	CreatedAt       time.Time      `db:"created_at"`
	TerminalAt      *time.Time     `db:"terminal_at"`
	RequestID       *uuid.UUID     `db:"request_id"`
}

// DeliveryAttempt is one provider call attempt.
type DeliveryAttempt struct {
	ID          int64     `db:"id"`
	DeliveryID  uuid.UUID `db:"delivery_id"`
	AttemptNum  int       `db:"attempt_num"`
	AttemptedAt time.Time `db:"attempted_at"`
	Outcome     string    `db:"outcome"`
	LatencyMs   int64     `db:"latency_ms"`
	ErrorClass  *string   `db:"error_class"`
	Retryable   bool      `db:"retryable"`
}

// DeliveryReceipt records a provider webhook confirmation correlated back
// to a delivery (e.g. read receipts, bounce notifications).
type DeliveryReceipt struct {
	ID          int64     `db:"id"`
	DeliveryID  uuid.UUID `db:"delivery_id"`
	ReceivedAt  time.Time `db:"received_at"`
	Kind        string    `db:"kind"`
	Payload     JSONValue `db:"payload"`
}

// DeliveryDeadLetter records a delivery that exhausted retries or was
// manually quarantined, preserving idempotency-key lineage for replay.
type DeliveryDeadLetter struct {
	ID                int64     `db:"id"`
	DeliveryID        uuid.UUID `db:"delivery_id"`
	IdempotencyKey     string    `db:"idempotency_key"`
	DeadLetteredAt    time.Time `db:"dead_lettered_at"`
	Reason            string    `db:"reason"`
	ReplayEligible    bool      `db:"replay_eligible"`
}
