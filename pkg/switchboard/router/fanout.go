package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
)

// Target resolves a registered butler name to its reachable HTTP
// endpoint and negotiated route.v1 contract bounds, abstracting
// pkg/registry so fanout tests don't need a real DB-backed Registry.
type Target interface {
	Resolve(ctx context.Context, butler string) (endpointURL string, ok bool)
}

// SubrouteResult is one segment's terminal outcome after fanout,
// carrying everything the router needs for routing_log persistence and
// aggregation.
type SubrouteResult struct {
	Segment      Segment
	SubrequestID string
	Outcome      string // "succeeded" | "failed" | "skipped"
	Response     *envelope.RouteResponseV1
	ErrorClass   envelope.ErrorClass
	// OriginalErrorClass preserves a downstream class that had to be
	// normalized into the executor set, as non-user-facing metadata.
	OriginalErrorClass string
	Skipped            bool
	DurationMs   int64
	StartedAt    time.Time
}

// FanoutConfig tunes per-target retry and circuit behavior.
type FanoutConfig struct {
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	CircuitThreshold int
	CircuitRecovery  time.Duration
}

// DefaultFanoutConfig keeps a modest retry posture
// (few attempts, short linearly increasing backoff) rather than an aggressive
// exponential schedule, since subrequests are already bounded by the
// request's wall-clock budget.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{MaxAttempts: 3, RetryBaseDelay: 200 * time.Millisecond, CircuitThreshold: 5, CircuitRecovery: 30 * time.Second}
}

// Fanout dispatches a Decomposition's segments to their target butlers
// per the declared DependencyMode, retrying retryable failures through a
// per-target circuit breaker.
type Fanout struct {
	targets Target
	client  RouteClient
	cfg     FanoutConfig
	circuit *circuitRegistry
}

func NewFanout(targets Target, client RouteClient, cfg FanoutConfig) *Fanout {
	return &Fanout{targets: targets, client: client, cfg: cfg, circuit: newCircuitRegistry(cfg.CircuitThreshold, cfg.CircuitRecovery)}
}

// Execute runs every segment of d, respecting dependency mode, and
// returns one SubrouteResult per segment in the order segments were
// declared (after conflict arbitration, which may mark duplicates
// skipped).
func (f *Fanout) Execute(ctx context.Context, reqCtx models.RequestContext, d Decomposition) []SubrouteResult {
	segments, skipped := arbitrate(d.Segments)
	results := make([]SubrouteResult, len(segments))
	for i, seg := range segments {
		results[i].Segment = seg
		if skipped[i] {
			results[i].Outcome = "skipped"
			results[i].Skipped = true
		}
	}

	switch d.Mode {
	case ModeOrdered:
		f.runOrdered(ctx, reqCtx, segments, results, d.AbortOnFailure)
	case ModeConditional:
		f.runConditional(ctx, reqCtx, segments, results)
	default:
		f.runParallel(ctx, reqCtx, segments, results)
	}
	return results
}

func (f *Fanout) runParallel(ctx context.Context, reqCtx models.RequestContext, segments []Segment, results []SubrouteResult) {
	done := make(chan struct{}, len(segments))
	for i := range segments {
		if results[i].Skipped {
			done <- struct{}{}
			continue
		}
		go func(i int) {
			results[i] = f.dispatchOne(ctx, reqCtx, segments[i])
			done <- struct{}{}
		}(i)
	}
	for range segments {
		<-done
	}
}

func (f *Fanout) runOrdered(ctx context.Context, reqCtx models.RequestContext, segments []Segment, results []SubrouteResult, abortOnFailure bool) {
	for i, seg := range segments {
		if results[i].Skipped {
			continue
		}
		results[i] = f.dispatchOne(ctx, reqCtx, seg)
		if abortOnFailure && results[i].Outcome == "failed" {
			markRemainingSkipped(results, i+1)
			return
		}
	}
}

// runConditional dispatches segments in declared order, skipping any
// segment whose DependsOn segment_id did not succeed: downstream
// subroutes run iff their declared upstream succeeded.
func (f *Fanout) runConditional(ctx context.Context, reqCtx models.RequestContext, segments []Segment, results []SubrouteResult) {
	succeeded := map[string]bool{}
	for i, seg := range segments {
		if results[i].Skipped {
			continue
		}
		if seg.DependsOn != "" && !succeeded[seg.DependsOn] {
			results[i].Outcome = "skipped"
			results[i].Skipped = true
			continue
		}
		results[i] = f.dispatchOne(ctx, reqCtx, seg)
		if results[i].Outcome == "succeeded" {
			succeeded[seg.SegmentID] = true
		}
	}
}

func markRemainingSkipped(results []SubrouteResult, from int) {
	for i := from; i < len(results); i++ {
		if !results[i].Skipped {
			results[i].Outcome = "skipped"
			results[i].Skipped = true
		}
	}
}

// dispatchOne resolves the target, then retries retryable failures
// through the target's circuit breaker up to cfg.MaxAttempts. Only
// target_unavailable, timeout, and transient overload_rejected are
// retried; validation_error never is.
func (f *Fanout) dispatchOne(ctx context.Context, reqCtx models.RequestContext, seg Segment) SubrouteResult {
	started := time.Now()
	subreqID := seg.SegmentID

	endpointURL, ok := f.targets.Resolve(ctx, seg.Butler)
	if !ok {
		return f.terminal(seg, subreqID, started, envelope.ClassTargetUnavailable, fmt.Sprintf("butler %q is not reachable", seg.Butler), nil)
	}

	breaker := f.circuit.For(seg.Butler)
	subCtx := reqCtx.WithSubrequest(subreqID, seg.SegmentID)
	env := envelope.RouteV1{
		SchemaVersion:  envelope.RouteSchemaVersion,
		RequestContext: subCtx,
		Input:          envelope.RouteInput{Prompt: seg.Prompt},
		SourceMetadata: envelope.RouteSourceMetadata{Channel: reqCtx.SourceChannel, Identity: "switchboard", ToolName: "route.execute"},
	}

	var lastResp envelope.RouteResponseV1
	var lastClass envelope.ErrorClass
	var lastMsg string

	attempts := f.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if !breaker.Allow() {
			return f.terminal(seg, subreqID, started, envelope.ClassTargetUnavailable, fmt.Sprintf("circuit open for %q", seg.Butler), nil)
		}

		resp, err := f.client.Execute(ctx, endpointURL, env)
		if err != nil {
			class := envelope.ClassTargetUnavailable
			if te, ok := asTransportError(err); ok {
				class = te.class
			}
			breaker.RecordFailure()
			lastClass, lastMsg = class, err.Error()
			if !class.Retryable() {
				return f.terminal(seg, subreqID, started, class, lastMsg, nil)
			}
			f.sleepBackoff(ctx, attempt)
			continue
		}

		if verr := validateResponse(resp, reqCtx.RequestID.String()); verr != nil {
			breaker.RecordFailure()
			lastClass, lastMsg = envelope.ClassValidation, verr.Error()
			return f.terminal(seg, subreqID, started, envelope.ClassValidation, lastMsg, nil)
		}

		if resp.Status == "ok" {
			breaker.RecordSuccess()
			return SubrouteResult{
				Segment: seg, SubrequestID: subreqID, Outcome: "succeeded",
				Response: &resp, StartedAt: started, DurationMs: time.Since(started).Milliseconds(),
			}
		}

		// status == "error": normalize to the executor class set.
		class, original := envelope.NormalizeExecutorClass(string(resp.Error.Class))
		if class.Retryable() {
			breaker.RecordFailure()
			lastResp, lastClass, lastMsg = resp, class, resp.Error.Message
			f.sleepBackoff(ctx, attempt)
			continue
		}
		breaker.RecordSuccess() // non-retryable failure isn't a transport/target health signal
		return SubrouteResult{
			Segment: seg, SubrequestID: subreqID, Outcome: "failed",
			Response: &resp, ErrorClass: class, OriginalErrorClass: original,
			StartedAt: started, DurationMs: time.Since(started).Milliseconds(),
		}
	}

	if lastResp.SchemaVersion != "" {
		return SubrouteResult{Segment: seg, SubrequestID: subreqID, Outcome: "failed", Response: &lastResp, ErrorClass: lastClass, StartedAt: started, DurationMs: time.Since(started).Milliseconds()}
	}
	return f.terminal(seg, subreqID, started, lastClass, lastMsg, nil)
}

func (f *Fanout) terminal(seg Segment, subreqID string, started time.Time, class envelope.ErrorClass, msg string, resp *envelope.RouteResponseV1) SubrouteResult {
	return SubrouteResult{
		Segment: seg, SubrequestID: subreqID, Outcome: "failed",
		ErrorClass: class, Response: resp, StartedAt: started, DurationMs: time.Since(started).Milliseconds(),
	}
}

func (f *Fanout) sleepBackoff(ctx context.Context, attempt int) {
	delay := f.cfg.RetryBaseDelay * time.Duration(attempt+1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func asTransportError(err error) (*transportError, bool) {
	te, ok := err.(*transportError)
	return te, ok
}

// validateResponse enforces response consumption rules: matching
// request_id, known schema version, required fields present.
func validateResponse(resp envelope.RouteResponseV1, expectedRequestID string) error {
	if resp.SchemaVersion != envelope.RouteResponseSchemaVersion {
		return fmt.Errorf("router: unsupported route_response schema_version %q", resp.SchemaVersion)
	}
	if resp.RequestContext.RequestID.String() != expectedRequestID {
		return fmt.Errorf("router: route_response request_id mismatch")
	}
	if resp.Status == "" {
		return fmt.Errorf("router: route_response missing status")
	}
	if resp.Status == "error" && resp.Error == nil {
		return fmt.Errorf("router: route_response status=error missing error detail")
	}
	return nil
}

// arbitrate applies conflict arbitration: when two segments
// target the same butler, only the highest-priority one (ties broken by
// lexical butler name, then lexical subrequest_id) executes; the rest
// are reported in the returned skipped set rather than double-dispatched
// to one target.
func arbitrate(segments []Segment) ([]Segment, map[int]bool) {
	byButler := map[string][]int{}
	for i, s := range segments {
		byButler[s.Butler] = append(byButler[s.Butler], i)
	}

	skipped := map[int]bool{}
	for _, idxs := range byButler {
		if len(idxs) == 1 {
			continue
		}
		sort.Slice(idxs, func(a, b int) bool {
			sa, sb := segments[idxs[a]], segments[idxs[b]]
			if sa.Priority != sb.Priority {
				return sa.Priority > sb.Priority
			}
			if sa.Butler != sb.Butler {
				return sa.Butler < sb.Butler
			}
			return sa.SegmentID < sb.SegmentID
		})
		for _, loser := range idxs[1:] {
			skipped[loser] = true
		}
	}

	out := make([]Segment, len(segments))
	copy(out, segments)
	return out, skipped
}
