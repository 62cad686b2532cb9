package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
)

type fakeTargets struct {
	endpoints map[string]string
}

func (f fakeTargets) Resolve(_ context.Context, butler string) (string, bool) {
	url, ok := f.endpoints[butler]
	return url, ok
}

type fakeClient struct {
	responses map[string]func(env envelope.RouteV1) (envelope.RouteResponseV1, error)
	calls     map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: map[string]func(envelope.RouteV1) (envelope.RouteResponseV1, error){}, calls: map[string]int{}}
}

func (f *fakeClient) Execute(_ context.Context, endpointURL string, env envelope.RouteV1) (envelope.RouteResponseV1, error) {
	f.calls[endpointURL]++
	fn, ok := f.responses[endpointURL]
	if !ok {
		return envelope.RouteResponseV1{}, &transportError{class: envelope.ClassTargetUnavailable, err: assertErr("no fake response configured")}
	}
	return fn(env)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func okResponse(requestID uuid.UUID, result string) envelope.RouteResponseV1 {
	return envelope.RouteResponseV1{
		SchemaVersion:  envelope.RouteResponseSchemaVersion,
		RequestContext: models.RequestContext{RequestID: requestID},
		Status:         "ok",
		Result:         []byte(`"` + result + `"`),
	}
}

func baseReqCtx() models.RequestContext {
	id, _ := uuid.NewV7()
	return models.RequestContext{RequestID: id, SourceChannel: "telegram"}
}

func TestFanout_ParallelModeDispatchesAllSegmentsConcurrently(t *testing.T) {
	reqCtx := baseReqCtx()
	client := newFakeClient()
	client.responses["http://health:9001"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return okResponse(reqCtx.RequestID, "logged"), nil
	}
	client.responses["http://relationship:9002"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return okResponse(reqCtx.RequestID, "scheduled"), nil
	}

	fo := NewFanout(fakeTargets{endpoints: map[string]string{"health": "http://health:9001", "relationship": "http://relationship:9002"}}, client, DefaultFanoutConfig())
	d := Decomposition{Mode: ModeParallel, Segments: []Segment{
		{Butler: "health", Prompt: "Log BP 180/90", SegmentID: "sa0"},
		{Butler: "relationship", Prompt: "Schedule call Alice tomorrow", SegmentID: "sb0"},
	}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, "succeeded", r.Outcome)
	}
}

func TestFanout_OrderedModeAbortsRemainingOnFailure(t *testing.T) {
	reqCtx := baseReqCtx()
	client := newFakeClient()
	client.responses["http://a:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return envelope.RouteResponseV1{
			SchemaVersion: envelope.RouteResponseSchemaVersion, RequestContext: models.RequestContext{RequestID: reqCtx.RequestID},
			Status: "error", Error: &envelope.ErrorDetail{Class: envelope.ClassValidation, Message: "bad input"},
		}, nil
	}

	fo := NewFanout(fakeTargets{endpoints: map[string]string{"a": "http://a:1", "b": "http://b:1"}}, client, DefaultFanoutConfig())
	d := Decomposition{Mode: ModeOrdered, AbortOnFailure: true, Segments: []Segment{
		{Butler: "a", Prompt: "first", SegmentID: "s1"},
		{Butler: "b", Prompt: "second", SegmentID: "s2"},
	}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Equal(t, "failed", results[0].Outcome)
	require.Equal(t, "skipped", results[1].Outcome)
	require.Equal(t, 0, client.calls["http://b:1"])
}

func TestFanout_ConditionalModeSkipsDependentOnUpstreamFailure(t *testing.T) {
	reqCtx := baseReqCtx()
	client := newFakeClient()
	client.responses["http://a:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return envelope.RouteResponseV1{
			SchemaVersion: envelope.RouteResponseSchemaVersion, RequestContext: models.RequestContext{RequestID: reqCtx.RequestID},
			Status: "error", Error: &envelope.ErrorDetail{Class: envelope.ClassValidation, Message: "bad"},
		}, nil
	}

	fo := NewFanout(fakeTargets{endpoints: map[string]string{"a": "http://a:1", "b": "http://b:1"}}, client, DefaultFanoutConfig())
	d := Decomposition{Mode: ModeConditional, Segments: []Segment{
		{Butler: "a", Prompt: "first", SegmentID: "s1"},
		{Butler: "b", Prompt: "second", SegmentID: "s2", DependsOn: "s1"},
	}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Equal(t, "failed", results[0].Outcome)
	require.Equal(t, "skipped", results[1].Outcome)
}

func TestFanout_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	reqCtx := baseReqCtx()
	attempts := 0
	client := newFakeClient()
	client.responses["http://flaky:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		attempts++
		if attempts < 2 {
			return envelope.RouteResponseV1{}, &transportError{class: envelope.ClassTimeout, err: assertErr("timed out")}
		}
		return okResponse(reqCtx.RequestID, "ok"), nil
	}

	cfg := DefaultFanoutConfig()
	cfg.RetryBaseDelay = time.Millisecond
	fo := NewFanout(fakeTargets{endpoints: map[string]string{"flaky": "http://flaky:1"}}, client, cfg)
	d := Decomposition{Mode: ModeParallel, Segments: []Segment{{Butler: "flaky", Prompt: "x", SegmentID: "s1"}}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Equal(t, "succeeded", results[0].Outcome)
	require.Equal(t, 2, attempts)
}

func TestFanout_ValidationErrorIsNeverRetried(t *testing.T) {
	reqCtx := baseReqCtx()
	attempts := 0
	client := newFakeClient()
	client.responses["http://bad:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		attempts++
		return envelope.RouteResponseV1{
			SchemaVersion: envelope.RouteResponseSchemaVersion, RequestContext: models.RequestContext{RequestID: reqCtx.RequestID},
			Status: "error", Error: &envelope.ErrorDetail{Class: envelope.ClassValidation, Message: "nope"},
		}, nil
	}

	fo := NewFanout(fakeTargets{endpoints: map[string]string{"bad": "http://bad:1"}}, client, DefaultFanoutConfig())
	d := Decomposition{Mode: ModeParallel, Segments: []Segment{{Butler: "bad", Prompt: "x", SegmentID: "s1"}}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Equal(t, "failed", results[0].Outcome)
	require.Equal(t, 1, attempts)
}

func TestFanout_ConflictArbitrationKeepsOnlyHighestPriority(t *testing.T) {
	reqCtx := baseReqCtx()
	client := newFakeClient()
	client.responses["http://general:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return okResponse(reqCtx.RequestID, "handled"), nil
	}

	fo := NewFanout(fakeTargets{endpoints: map[string]string{"general": "http://general:1"}}, client, DefaultFanoutConfig())
	d := Decomposition{Mode: ModeParallel, Segments: []Segment{
		{Butler: "general", Prompt: "low", SegmentID: "s1", Priority: 1},
		{Butler: "general", Prompt: "high", SegmentID: "s2", Priority: 5},
	}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Len(t, results, 2)
	var succeeded, skipped int
	for _, r := range results {
		switch r.Outcome {
		case "succeeded":
			succeeded++
			require.Equal(t, "s2", r.Segment.SegmentID)
		case "skipped":
			skipped++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, skipped)
	require.Equal(t, 1, client.calls["http://general:1"])
}

func TestFanout_UnreachableTargetSynthesizesTargetUnavailable(t *testing.T) {
	reqCtx := baseReqCtx()
	fo := NewFanout(fakeTargets{endpoints: map[string]string{}}, newFakeClient(), DefaultFanoutConfig())
	d := Decomposition{Mode: ModeParallel, Segments: []Segment{{Butler: "ghost", Prompt: "x", SegmentID: "s1"}}}

	results := fo.Execute(context.Background(), reqCtx, d)
	require.Equal(t, "failed", results[0].Outcome)
	require.Equal(t, envelope.ClassTargetUnavailable, results[0].ErrorClass)
}
