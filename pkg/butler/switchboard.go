package butler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/butler-fleet/butlers/pkg/audit"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/registry"
	"github.com/butler-fleet/butlers/pkg/switchboard/ingress"
	"github.com/butler-fleet/butlers/pkg/switchboard/router"
)

// bootstrapSwitchboard wires the registry, ingress, and router layers
// that only the Switchboard butler carries: it is the single ingestion
// and orchestration plane for the whole fleet.
func (b *Butler) bootstrapSwitchboard() error {
	policy := registry.DefaultLivenessPolicy
	if s := b.Manifest.Switchboard.LivenessTTLS; s > 0 {
		policy.LiveTTL = time.Duration(s) * time.Second
	}
	if s := b.Manifest.Switchboard.StaleTTLS; s > 0 {
		policy.StaleTTL = time.Duration(s) * time.Second
	}

	reg := registry.New(b.DB.DB, b.Manifest.DB.Schema, policy)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cache, err := registry.NewLivenessCache(redisURL, policy.StaleTTL)
		if err != nil {
			b.log.Warn("liveness cache unavailable, continuing with DB reads only", "error", err)
		} else {
			reg = reg.WithCache(cache)
		}
	}
	b.Registry = reg

	auditStore := audit.New(b.DB.DB, b.Manifest.DB.Schema)
	target := router.NewRegistryTarget(reg, false)
	client := router.NewHTTPRouteClient(b.Manifest.Butler.Name, nil)

	b.notifier = &messengerForwarder{
		target: target,
		client: client,
		log:    b.log.With("component", "switchboard.notify"),
	}

	classifier := router.NewClassifier(b.adapter, b.Manifest.Runtime.Model, 30*time.Second, 0.5, b.log)
	fanout := router.NewFanout(target, client, router.DefaultFanoutConfig())
	b.Router = router.New(classifier, fanout, target, auditStore, b.notifier, router.DefaultBudgetConfig(), b.log)
	b.Ingress = ingress.New(auditStore, ingress.DefaultAdmissionConfig(), b.Router, b.log)
	return nil
}

// messengerName is the registry name every fleet deployment gives its
// outbound delivery butler.
const messengerName = "messenger"

// messengerForwarder is Switchboard's notify termination: it forwards
// the notify.v1 payload to the Messenger butler inside a route.v1
// envelope and unwraps the notify_response.v1 it carries back. It never
// executes a channel side effect itself.
type messengerForwarder struct {
	target *router.RegistryTarget
	client router.RouteClient
	log    *slog.Logger
}

var errMessengerUnreachable = errors.New("butler: messenger is not registered or not reachable")

func (f *messengerForwarder) Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
	endpoint, ok := f.target.Resolve(ctx, messengerName)
	if !ok {
		return notifyError(req, envelope.ClassTargetUnavailable, errMessengerUnreachable.Error())
	}

	env := envelope.WrapNotifyAsRoute(req)
	resp, err := f.client.Execute(ctx, endpoint, env)
	if err != nil {
		f.log.Warn("notify forward to messenger failed", "origin", req.OriginButler, "error", err)
		return notifyError(req, envelope.ClassTargetUnavailable, err.Error())
	}
	return envelope.UnwrapNotifyResponseFromRoute(resp)
}

func notifyError(req envelope.NotifyV1, class envelope.ErrorClass, msg string) envelope.NotifyResponseV1 {
	detail := envelope.NewErrorDetail(class, msg)
	out := envelope.NotifyResponseV1{
		SchemaVersion: envelope.NotifyResponseSchemaVersion,
		Status:        "error",
		Error:         &detail,
	}
	out.RequestContext.RequestID = req.RequestContext.RequestID
	out.Delivery.Channel = req.Delivery.Channel
	return out
}
