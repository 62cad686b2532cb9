package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/runtime"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
)

// fixedAdapter is a runtime.Adapter stub returning a fixed classifier
// response text, letting router/fanout tests drive classification
// without a real LLM child process.
type fixedAdapter struct{ text string }

func (f fixedAdapter) Invoke(context.Context, runtime.Invocation) (runtime.Result, error) {
	return runtime.Result{Success: true, Text: f.text}, nil
}

type fakeNames struct{ names map[string]bool }

func (f fakeNames) KnownButlers(context.Context) map[string]bool { return f.names }

type fakeAudit struct {
	entries []models.RoutingLogEntry
	state   models.LifecycleState
	summary string
}

func (a *fakeAudit) AppendRoutingLog(_ context.Context, entry models.RoutingLogEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) MarkParsed(_ context.Context, _, summary string, _, _ json.RawMessage) error {
	a.state, a.summary = models.LifecyclePARSED, summary
	return nil
}

func (a *fakeAudit) MarkErrored(_ context.Context, _, summary string, _, _ json.RawMessage) error {
	a.state, a.summary = models.LifecycleERRORED, summary
	return nil
}

type fakeNotifier struct{ sent []envelope.NotifyV1 }

func (n *fakeNotifier) Notify(_ context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
	n.sent = append(n.sent, req)
	return envelope.NotifyResponseV1{Status: "ok"}
}

func TestRouter_EnqueueRoute_AllSucceedMarksParsedAndSendsReply(t *testing.T) {
	reqCtx := baseReqCtx()
	threadID := "thread-5"
	reqCtx.SourceThreadIdentity = &threadID

	client := newFakeClient()
	client.responses["http://health:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return okResponse(reqCtx.RequestID, "logged BP"), nil
	}
	fo := NewFanout(fakeTargets{endpoints: map[string]string{"health": "http://health:1"}}, client, DefaultFanoutConfig())

	classifier := NewClassifier(fixedAdapter{text: `{"segments":[{"butler":"health","prompt":"Log BP"}]}`}, "test-model", 0, 0.3, nil)
	audit := &fakeAudit{}
	notifier := &fakeNotifier{}
	names := fakeNames{names: map[string]bool{"health": true}}

	r := New(classifier, fo, names, audit, notifier, DefaultBudgetConfig(), nil)
	r.EnqueueRoute(context.Background(), ingress.RouteWork{RequestContext: reqCtx, NormalizedText: "Log BP"})

	require.Equal(t, models.LifecyclePARSED, audit.state)
	require.Len(t, audit.entries, 1)
	require.Equal(t, "succeeded", audit.entries[0].Outcome)
	// PROGRESS + PARSED reactions, plus one aggregated reply.
	require.GreaterOrEqual(t, len(notifier.sent), 2)
}

func TestRouter_EnqueueRoute_FailureMarksErrored(t *testing.T) {
	reqCtx := baseReqCtx()

	client := newFakeClient()
	client.responses["http://health:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		return envelope.RouteResponseV1{
			SchemaVersion: envelope.RouteResponseSchemaVersion, RequestContext: models.RequestContext{RequestID: reqCtx.RequestID},
			Status: "error", Error: &envelope.ErrorDetail{Class: envelope.ClassValidation, Message: "bad args"},
		}, nil
	}
	fo := NewFanout(fakeTargets{endpoints: map[string]string{"health": "http://health:1"}}, client, DefaultFanoutConfig())

	classifier := NewClassifier(fixedAdapter{text: `{"segments":[{"butler":"health","prompt":"Log BP"}]}`}, "test-model", 0, 0.3, nil)
	audit := &fakeAudit{}
	names := fakeNames{names: map[string]bool{"health": true}}

	r := New(classifier, fo, names, audit, &fakeNotifier{}, DefaultBudgetConfig(), nil)
	r.EnqueueRoute(context.Background(), ingress.RouteWork{RequestContext: reqCtx, NormalizedText: "Log BP"})

	require.Equal(t, models.LifecycleERRORED, audit.state)
	require.Contains(t, audit.summary, "bad args")
}

func TestRouter_EnqueueRoute_UnknownButlerFallsBackToGeneral(t *testing.T) {
	reqCtx := baseReqCtx()

	client := newFakeClient()
	client.responses["http://general:1"] = func(env envelope.RouteV1) (envelope.RouteResponseV1, error) {
		require.Equal(t, "original text", env.Input.Prompt)
		return okResponse(reqCtx.RequestID, "handled"), nil
	}
	fo := NewFanout(fakeTargets{endpoints: map[string]string{"general": "http://general:1"}}, client, DefaultFanoutConfig())

	classifier := NewClassifier(fixedAdapter{text: `{"segments":[{"butler":"ghost","prompt":"X"}]}`}, "test-model", 0, 0.3, nil)
	audit := &fakeAudit{}
	names := fakeNames{names: map[string]bool{"general": true}}

	r := New(classifier, fo, names, audit, &fakeNotifier{}, DefaultBudgetConfig(), nil)
	r.EnqueueRoute(context.Background(), ingress.RouteWork{RequestContext: reqCtx, NormalizedText: "original text"})

	require.Equal(t, models.LifecyclePARSED, audit.state)
	require.Equal(t, "general", audit.entries[0].TargetButler)
}
