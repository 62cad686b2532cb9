package messenger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

// deriveIdempotencyKey computes the canonical hash over
// (request_id or caller_idempotency_key, origin_butler, intent, channel,
// normalized_target, content_hash, subject_hash?). The result
// is the single value enforced by delivery_requests' unique index.
func deriveIdempotencyKey(identity, originButler string, intent envelope.NotifyV1, normalizedTarget, contentHash string) string {
	parts := []string{
		identity,
		originButler,
		string(intent.Delivery.Intent),
		intent.Delivery.Channel,
		normalizedTarget,
		contentHash,
	}
	if intent.Delivery.Subject != nil {
		parts = append(parts, contentHashOf(*intent.Delivery.Subject))
	}
	return hashParts(parts)
}

// contentHashOf hashes the outbound message body, used both as the
// content_hash audit column and as one input to the idempotency key.
func contentHashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func hashParts(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// requestIdentity picks the stable identity half of the idempotency key:
// request_id when present, else the caller-supplied idempotency key
// carried in request_context.trace_context as a fallback channel (the
// canonical envelope has no dedicated caller_idempotency_key field
// outside request_context, so callers without a request_id populate
// TraceContext with their own idempotency token before calling notify).
func requestIdentity(n envelope.NotifyV1) string {
	if n.RequestContext.RequestID.String() != "00000000-0000-0000-0000-000000000000" {
		return n.RequestContext.RequestID.String()
	}
	if n.RequestContext.TraceContext != nil {
		return *n.RequestContext.TraceContext
	}
	return ""
}
