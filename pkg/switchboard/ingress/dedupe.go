package ingress

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// timeWindowGranularity buckets API/MCP ingest events lacking a caller
// idempotency key so that near-simultaneous retries of the same logical
// request collide on the same dedupe key.
const timeWindowGranularity = time.Minute

// dedupeKey computes the channel-specific dedupe key:
// telegram keys on (bot_identity, update_id); email keys on
// (mailbox_identity, Message-ID); everything else (API/MCP) keys on the
// caller's idempotency_key when supplied, else a deterministic hash of
// (normalized_payload, sender_identity, time_window).
func dedupeKey(env envelope.IngestV1) string {
	switch env.Source.Channel {
	case "telegram", "email":
		return hashParts(env.Source.Channel, env.Source.EndpointIdentity, env.Event.ExternalEventID)
	default:
		if env.Control.IdempotencyKey != nil && *env.Control.IdempotencyKey != "" {
			return hashParts(env.Source.Channel, *env.Control.IdempotencyKey)
		}
		window := timeWindowBucket(env.Event.ObservedAt)
		return hashParts(env.Source.Channel, env.Payload.NormalizedText, env.Sender.Identity, window)
	}
}

func timeWindowBucket(observedAt string) string {
	t, err := time.Parse(time.RFC3339, observedAt)
	if err != nil {
		t = time.Now().UTC()
	}
	return t.Truncate(timeWindowGranularity).Format(time.RFC3339)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
