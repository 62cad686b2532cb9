// Package router implements Switchboard's LLM-driven
// classify+decompose step, fanout execution across dependency modes,
// downstream response consumption, lifecycle aggregation, and routing
// log persistence. It is the asynchronous consumer of the work
// pkg/switchboard/ingress hands off after accepting and persisting one
// ingest.v1 event.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
)

// Notifier sends one notify.v1 request onward to Messenger, used both
// for the interactive lifecycle reaction signal (:eye/:done/:space
// invader on telegram) and for the aggregated final response.
type Notifier interface {
	Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1
}

// AuditStore is the subset of pkg/audit.Store the router needs: routing
// log append and inbox lifecycle finalization.
type AuditStore interface {
	AppendRoutingLog(ctx context.Context, entry models.RoutingLogEntry) error
	MarkParsed(ctx context.Context, requestID, responseSummary string, classification, dispatchOutcomes json.RawMessage) error
	MarkErrored(ctx context.Context, requestID, responseSummary string, classification, dispatchOutcomes json.RawMessage) error
}

// ButlerNames supplies the set of currently-routable registered butler
// names, used both as the classifier's known-butler set and as the
// fanout's target resolver (via RegistryTarget).
type ButlerNames interface {
	KnownButlers(ctx context.Context) map[string]bool
}

// BudgetConfig bounds one request's routing work.
type BudgetConfig struct {
	WallClock    time.Duration
	MaxModelCalls int
}

// DefaultBudgetConfig is a conservative per-request ceiling: one
// classification call plus fanout, bounded to 60 seconds of wall-clock
// for the whole request.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{WallClock: 60 * time.Second, MaxModelCalls: 1}
}

// telegramReaction maps lifecycle state to the telegram emoji reaction.
var telegramReaction = map[models.LifecycleState]string{
	models.LifecyclePROGRESS: "\U0001F440", // :eye:
	models.LifecyclePARSED:   "✅",     // :done: (check mark)
	models.LifecycleERRORED:  "\U0001F47E", // :space invader:
}

// Router is Switchboard's routing orchestrator; it implements
// pkg/switchboard/ingress.RouteEnqueuer so it can be wired directly as
// ingress's downstream consumer.
type Router struct {
	classifier *Classifier
	fanout     *Fanout
	names      ButlerNames
	audit      AuditStore
	notifier   Notifier
	budget     BudgetConfig
	log        *slog.Logger
}

// New builds a Router.
func New(classifier *Classifier, fanout *Fanout, names ButlerNames, audit AuditStore, notifier Notifier, budget BudgetConfig, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{classifier: classifier, fanout: fanout, names: names, audit: audit, notifier: notifier, budget: budget, log: log.With("component", "switchboard.router")}
}

// EnqueueRoute processes one accepted ingest asynchronously: classify,
// fan out, aggregate, finalize lifecycle.
// Implements ingress.RouteEnqueuer.
func (r *Router) EnqueueRoute(ctx context.Context, work ingress.RouteWork) {
	if r.budget.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.budget.WallClock)
		defer cancel()
	}

	r.signalReaction(ctx, work.RequestContext, models.LifecyclePROGRESS)

	known := r.names.KnownButlers(ctx)
	decomp, classifyNote := r.classifier.Classify(ctx, work.NormalizedText, known)
	if classifyNote != "" {
		r.log.Info("classification fell back to general", "request_id", work.RequestContext.RequestID, "reason", classifyNote)
	}

	results := r.fanout.Execute(ctx, work.RequestContext, decomp)

	for _, res := range results {
		r.appendRoutingLog(ctx, work.RequestContext.RequestID.String(), res)
	}

	final, summary := aggregate(results)
	r.finalize(ctx, work.RequestContext.RequestID.String(), final, summary, results)

	r.signalReaction(ctx, work.RequestContext, final)
	if r.notifier != nil && summary != "" {
		r.sendAggregatedResponse(ctx, work.RequestContext, summary)
	}
}

func (r *Router) appendRoutingLog(ctx context.Context, requestID string, res SubrouteResult) {
	var errClass *string
	if res.ErrorClass != "" {
		s := string(res.ErrorClass)
		errClass = &s
	}
	entry := models.RoutingLogEntry{
		SubrequestID: res.SubrequestID,
		SegmentID:    res.Segment.SegmentID,
		TargetButler: res.Segment.Butler,
		Tool:         "route.execute",
		Outcome:      res.Outcome,
		ErrorClass:   errClass,
		DurationMs:   res.DurationMs,
		StartedAt:    res.StartedAt,
	}
	if id, err := uuid.Parse(requestID); err == nil {
		entry.RequestID = id
	}
	if err := r.audit.AppendRoutingLog(ctx, entry); err != nil {
		r.log.Error("failed to append routing log entry", "request_id", requestID, "target", res.Segment.Butler, "error", err)
	}
}

// aggregate derives the final lifecycle state and a user-facing summary
// from every segment's terminal outcome: PARSED iff all required
// subroutes succeeded; ERRORED otherwise, with an actionable message.
func aggregate(results []SubrouteResult) (models.LifecycleState, string) {
	var succeeded, failed []SubrouteResult
	for _, res := range results {
		switch res.Outcome {
		case "succeeded":
			succeeded = append(succeeded, res)
		case "failed":
			failed = append(failed, res)
		}
	}

	if len(failed) == 0 {
		return models.LifecyclePARSED, summarizeSuccess(succeeded)
	}
	return models.LifecycleERRORED, summarizeFailure(succeeded, failed)
}

func summarizeSuccess(succeeded []SubrouteResult) string {
	if len(succeeded) == 0 {
		return "Done."
	}
	parts := make([]string, 0, len(succeeded))
	for _, res := range succeeded {
		if res.Response != nil && len(res.Response.Result) > 0 {
			parts = append(parts, resultText(res.Response.Result))
		}
	}
	if len(parts) == 0 {
		return "Done."
	}
	return strings.Join(parts, "\n")
}

func summarizeFailure(succeeded, failed []SubrouteResult) string {
	var b strings.Builder
	if len(succeeded) > 0 {
		b.WriteString(summarizeSuccess(succeeded))
		b.WriteString("\n")
	}
	b.WriteString("Something went wrong: ")
	for i, res := range failed {
		if i > 0 {
			b.WriteString("; ")
		}
		msg := "request failed"
		if res.Response != nil && res.Response.Error != nil {
			msg = res.Response.Error.Message
		}
		fmt.Fprintf(&b, "%s (%s)", msg, res.Segment.Butler)
	}
	return b.String()
}

func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (r *Router) finalize(ctx context.Context, requestID string, state models.LifecycleState, summary string, results []SubrouteResult) {
	outcomes, _ := json.Marshal(dispatchOutcomes(results))
	var err error
	switch state {
	case models.LifecyclePARSED:
		err = r.audit.MarkParsed(ctx, requestID, summary, json.RawMessage("null"), outcomes)
	default:
		err = r.audit.MarkErrored(ctx, requestID, summary, json.RawMessage("null"), outcomes)
	}
	if err != nil {
		r.log.Error("failed to finalize inbox lifecycle", "request_id", requestID, "state", state, "error", err)
	}
}

func dispatchOutcomes(results []SubrouteResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"butler":  res.Segment.Butler,
			"outcome": res.Outcome,
		})
	}
	return out
}

// signalReaction sends the lifecycle reaction emoji for interactive,
// react-capable channels. Failures are fail-open:
// a dropped reaction never blocks routing.
func (r *Router) signalReaction(ctx context.Context, reqCtx models.RequestContext, state models.LifecycleState) {
	if r.notifier == nil || reqCtx.SourceChannel != "telegram" {
		return
	}
	emoji := telegramReaction[state]
	if emoji == "" {
		return
	}
	threadID := reqCtx.SourceThreadIdentity
	if threadID == nil {
		return
	}
	resp := r.notifier.Notify(ctx, envelope.NotifyV1{
		SchemaVersion: envelope.NotifySchemaVersion,
		OriginButler:  "switchboard",
		Delivery: envelope.NotifyDelivery{
			Intent:  models.IntentReact,
			Channel: "telegram",
			Emoji:   &emoji,
		},
		RequestContext: reqCtx,
	})
	if resp.Status != "ok" {
		r.log.Debug("lifecycle reaction delivery did not succeed (fail-open)", "request_id", reqCtx.RequestID, "state", state)
	}
}

func (r *Router) sendAggregatedResponse(ctx context.Context, reqCtx models.RequestContext, summary string) {
	resp := r.notifier.Notify(ctx, envelope.NotifyV1{
		SchemaVersion: envelope.NotifySchemaVersion,
		OriginButler:  "switchboard",
		Delivery: envelope.NotifyDelivery{
			Intent:  models.IntentReply,
			Channel: reqCtx.SourceChannel,
			Message: &summary,
		},
		RequestContext: reqCtx,
	})
	if resp.Status != "ok" {
		r.log.Warn("aggregated response delivery failed", "request_id", reqCtx.RequestID)
	}
}

