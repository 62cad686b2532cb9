package butler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/envelope"
	"github.com/butler-fleet/butlers/pkg/models"
	"github.com/butler-fleet/butlers/pkg/rpcserver"
	"github.com/butler-fleet/butlers/pkg/spawner"
	"github.com/butler-fleet/butlers/pkg/switchboard/router"
)

// routeExecutor builds the handler behind route.execute. The RPC layer
// has already enforced trusted_route_callers and the schema version by
// the time this runs, so the executor only decides what the envelope
// means for this butler's kind: a notify bridge hop, or a routed
// session.
func (b *Butler) routeExecutor() rpcserver.RouteExecutor {
	return func(ctx context.Context, env envelope.RouteV1) envelope.RouteResponseV1 {
		started := time.Now()

		if req, ok := envelope.UnwrapNotifyRequest(env); ok {
			if resp, handled := b.executeNotifyHop(ctx, env, req); handled {
				resp.Timing.DurationMs = time.Since(started).Milliseconds()
				return resp
			}
		}

		resp := b.executeRoutedSession(ctx, env)
		resp.Timing.DurationMs = time.Since(started).Milliseconds()
		return resp
	}
}

// executeNotifyHop terminates a route.v1 envelope carrying a notify.v1
// payload. On Messenger it runs the delivery engine; on Switchboard it
// checks origin_butler against the authenticated caller identity and
// forwards to Messenger. On any other butler it returns handled=false and
// the caller runs the envelope as an ordinary routed session.
func (b *Butler) executeNotifyHop(ctx context.Context, env envelope.RouteV1, req envelope.NotifyV1) (envelope.RouteResponseV1, bool) {
	switch {
	case b.Messenger != nil:
		resp := b.Messenger.Engine.Notify(ctx, req)
		return envelope.WrapNotifyResponseAsRoute(resp, env.RequestContext), true

	case b.Manifest.Butler.Kind == config.KindSwitchboard:
		// origin_butler must match the routed caller that carried it here;
		// a payload alone can never impersonate another butler.
		if req.OriginButler != env.SourceMetadata.Identity {
			detail := envelope.NewErrorDetail(envelope.ClassValidation,
				fmt.Sprintf("origin_butler %q does not match authenticated caller %q", req.OriginButler, env.SourceMetadata.Identity))
			return envelope.RouteResponseV1{
				SchemaVersion:  envelope.RouteResponseSchemaVersion,
				RequestContext: env.RequestContext,
				Status:         "error",
				Error:          &detail,
			}, true
		}
		resp := b.notifier.Notify(ctx, req)
		return envelope.WrapNotifyResponseAsRoute(resp, env.RequestContext), true
	}
	return envelope.RouteResponseV1{}, false
}

// executeRoutedSession spawns one session for a routed subrequest,
// carrying the request-context lineage into the session row.
func (b *Butler) executeRoutedSession(ctx context.Context, env envelope.RouteV1) envelope.RouteResponseV1 {
	open := models.OpenSessionFields{
		TriggerSource: models.TriggerTrigger,
		Prompt:        env.Input.Prompt,
		SubrequestID:  env.RequestContext.SubrequestID,
		SegmentID:     env.RequestContext.SegmentID,
	}
	if env.RequestContext.RequestID != uuid.Nil {
		id := env.RequestContext.RequestID
		open.RequestID = &id
	}

	resp := envelope.RouteResponseV1{
		SchemaVersion:  envelope.RouteResponseSchemaVersion,
		RequestContext: env.RequestContext,
	}

	sess, err := b.Spawner.Invoke(ctx, open)
	if err != nil {
		class := envelope.ClassInternal
		switch {
		case errors.Is(err, spawner.ErrOverloadRejected):
			class = envelope.ClassOverloadRejected
		case errors.Is(err, context.DeadlineExceeded):
			class = envelope.ClassTimeout
		}
		detail := envelope.NewErrorDetail(class, err.Error())
		resp.Status, resp.Error = "error", &detail
		return resp
	}

	if sess.Success != nil && *sess.Success {
		resp.Status = "ok"
		text := ""
		if sess.Result != nil {
			text = *sess.Result
		}
		resp.Result, _ = json.Marshal(text)
		return resp
	}

	msg := "session did not complete successfully"
	if sess.Error != nil {
		msg = *sess.Error
	}
	detail := envelope.NewErrorDetail(envelope.ClassInternal, msg)
	resp.Status, resp.Error = "error", &detail
	return resp
}

// notifyDispatcher builds the handler behind the notify tool. Messenger
// terminates at its delivery engine, Switchboard terminates by
// forwarding to Messenger, and every other butler wraps the request as
// route.v1 and dispatches it to Switchboard.
func (b *Butler) notifyDispatcher() rpcserver.NotifyDispatcher {
	switch b.Manifest.Butler.Kind {
	case config.KindMessenger:
		return notifyFunc(func(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
			if req.OriginButler == "" {
				req.OriginButler = b.Manifest.Butler.Name
			}
			return b.Messenger.Engine.Notify(ctx, req)
		})
	case config.KindSwitchboard:
		return notifyFunc(func(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
			if req.OriginButler == "" {
				req.OriginButler = b.Manifest.Butler.Name
			}
			return b.notifier.Notify(ctx, req)
		})
	default:
		return &switchboardForwarder{
			switchboardURL: b.Manifest.Switchboard.URL,
			butlerName:     b.Manifest.Butler.Name,
			client:         router.NewHTTPRouteClient(b.Manifest.Butler.Name, nil),
			log:            b.log.With("component", "notify"),
		}
	}
}

// notifyFunc adapts a plain function to rpcserver.NotifyDispatcher.
type notifyFunc func(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1

func (f notifyFunc) Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
	return f(ctx, req)
}

// switchboardForwarder is every ordinary butler's notify leg: stamp the
// origin, wrap the request as route.v1, and dispatch it to Switchboard,
// which owns the onward hop to Messenger.
type switchboardForwarder struct {
	switchboardURL string
	butlerName     string
	client         router.RouteClient
	log            *slog.Logger
}

func (f *switchboardForwarder) Notify(ctx context.Context, req envelope.NotifyV1) envelope.NotifyResponseV1 {
	// The origin is always this butler's own authenticated identity; a
	// session cannot claim another butler's name through the payload.
	req.OriginButler = f.butlerName

	if f.switchboardURL == "" {
		return notifyError(req, envelope.ClassValidation, "no switchboard url configured; cannot dispatch notify")
	}

	env := envelope.WrapNotifyAsRoute(req)
	resp, err := f.client.Execute(ctx, f.switchboardURL, env)
	if err != nil {
		f.log.Warn("notify dispatch to switchboard failed", "error", err)
		return notifyError(req, envelope.ClassTargetUnavailable, err.Error())
	}
	return envelope.UnwrapNotifyResponseFromRoute(resp)
}
