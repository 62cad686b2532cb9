package envelope

import (
	"encoding/json"

	"github.com/butler-fleet/butlers/pkg/models"
)

// WrapNotifyAsRoute carries a notify.v1 request inside route.v1's
// Input.Context[NotifyRequestKey]: every butler besides Messenger
// that wants to deliver a message goes through this shape, since only
// Messenger holds a live channel Provider.
func WrapNotifyAsRoute(req NotifyV1) RouteV1 {
	return RouteV1{
		SchemaVersion:  RouteSchemaVersion,
		RequestContext: req.RequestContext,
		Input: RouteInput{
			Context: map[string]any{NotifyRequestKey: req},
		},
		SourceMetadata: RouteSourceMetadata{
			Identity: req.OriginButler,
			ToolName: "notify",
		},
	}
}

// UnwrapNotifyRequest extracts the notify.v1 payload a route.v1 envelope
// is carrying, round-tripping through JSON since Context values decode
// from the wire as plain map[string]any rather than the concrete struct.
func UnwrapNotifyRequest(env RouteV1) (NotifyV1, bool) {
	raw, ok := env.Input.Context[NotifyRequestKey]
	if !ok {
		return NotifyV1{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return NotifyV1{}, false
	}
	var req NotifyV1
	if err := json.Unmarshal(b, &req); err != nil {
		return NotifyV1{}, false
	}
	return req, true
}

// WrapNotifyResponseAsRoute carries a notify_response.v1 back to the
// caller as route_response.v1's Result payload.
func WrapNotifyResponseAsRoute(resp NotifyResponseV1, reqCtx models.RequestContext) RouteResponseV1 {
	status := "ok"
	if resp.Status != "ok" {
		status = "error"
	}
	result, _ := json.Marshal(resp)
	return RouteResponseV1{
		SchemaVersion:  RouteResponseSchemaVersion,
		RequestContext: reqCtx,
		Status:         status,
		Result:         result,
		Error:          resp.Error,
	}
}

// UnwrapNotifyResponseFromRoute recovers the notify_response.v1 payload
// a route_response.v1 envelope carries in its Result field. Used by the
// caller side of the notify → route bridge once RouteClient.Execute
// returns.
func UnwrapNotifyResponseFromRoute(resp RouteResponseV1) NotifyResponseV1 {
	if resp.Status == "error" && resp.Result == nil {
		return NotifyResponseV1{
			SchemaVersion: NotifyResponseSchemaVersion,
			Status:        "error",
			Error:         resp.Error,
		}
	}
	var out NotifyResponseV1
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return NotifyResponseV1{
			SchemaVersion: NotifyResponseSchemaVersion,
			Status:        "error",
			Error:         ptrErrorDetail(NewErrorDetail(ClassInternal, "malformed notify_response.v1 payload: "+err.Error())),
		}
	}
	return out
}

func ptrErrorDetail(e ErrorDetail) *ErrorDetail { return &e }
