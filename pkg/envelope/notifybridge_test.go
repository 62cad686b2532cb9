package envelope

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/models"
)

func TestWrapAndUnwrapNotifyRequest_RoundTrips(t *testing.T) {
	msg := "hello"
	req := NotifyV1{
		SchemaVersion: NotifySchemaVersion,
		OriginButler:  "relationship",
		Delivery:      NotifyDelivery{Intent: "send", Channel: "telegram", Message: &msg},
		RequestContext: models.RequestContext{
			RequestID: uuid.Must(uuid.NewRandom()),
		},
	}

	env := WrapNotifyAsRoute(req)
	assert.Equal(t, RouteSchemaVersion, env.SchemaVersion)
	assert.Equal(t, "notify", env.SourceMetadata.ToolName)

	got, ok := UnwrapNotifyRequest(env)
	require.True(t, ok)
	assert.Equal(t, req.OriginButler, got.OriginButler)
	assert.Equal(t, req.Delivery.Channel, got.Delivery.Channel)
	assert.Equal(t, *req.Delivery.Message, *got.Delivery.Message)
}

func TestUnwrapNotifyRequest_MissingKey(t *testing.T) {
	_, ok := UnwrapNotifyRequest(RouteV1{})
	assert.False(t, ok)
}

func TestWrapAndUnwrapNotifyResponse_RoundTrips(t *testing.T) {
	deliveryID := "abc-123"
	resp := NotifyResponseV1{SchemaVersion: NotifyResponseSchemaVersion, Status: "ok"}
	resp.Delivery.Channel = "telegram"
	resp.Delivery.DeliveryID = &deliveryID

	reqCtx := models.RequestContext{RequestID: uuid.Must(uuid.NewRandom())}
	routeResp := WrapNotifyResponseAsRoute(resp, reqCtx)
	assert.Equal(t, "ok", routeResp.Status)
	assert.Equal(t, reqCtx.RequestID, routeResp.RequestContext.RequestID)

	got := UnwrapNotifyResponseFromRoute(routeResp)
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, deliveryID, *got.Delivery.DeliveryID)
}

func TestWrapNotifyResponseAsRoute_ErrorStatus(t *testing.T) {
	detail := NewErrorDetail(ClassValidation, "bad request")
	resp := NotifyResponseV1{SchemaVersion: NotifyResponseSchemaVersion, Status: "error", Error: &detail}
	routeResp := WrapNotifyResponseAsRoute(resp, models.RequestContext{})
	assert.Equal(t, "error", routeResp.Status)

	got := UnwrapNotifyResponseFromRoute(routeResp)
	assert.Equal(t, "error", got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, ClassValidation, got.Error.Class)
}

func TestUnwrapNotifyResponseFromRoute_NoBody(t *testing.T) {
	detail := NewErrorDetail(ClassTargetUnavailable, "unreachable")
	routeResp := RouteResponseV1{Status: "error", Error: &detail}
	got := UnwrapNotifyResponseFromRoute(routeResp)
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, ClassTargetUnavailable, got.Error.Class)
}
