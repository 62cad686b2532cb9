package modules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/messenger"
	"github.com/butler-fleet/butlers/pkg/module"
)

type fakeProvider struct {
	channel string
	calls   []messenger.DeliveryContext
	result  messenger.ProviderResult
	err     error
}

func (f *fakeProvider) Channel() string { return f.channel }
func (f *fakeProvider) Deliver(ctx context.Context, target, content string, req messenger.DeliveryContext) (messenger.ProviderResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func toolNames(tools []module.ToolIODescriptor) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func findTool(t *testing.T, tools []module.ToolIODescriptor, name string) module.ToolIODescriptor {
	t.Helper()
	for _, tool := range tools {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not registered", name)
	return module.ToolIODescriptor{}
}

func TestTelegramModule_RegistersEgressTools(t *testing.T) {
	m := NewTelegramModule(nil)
	tools := m.RegisterTools()
	assert.ElementsMatch(t, []string{
		"user_telegram_send_message", "user_telegram_reply_message", "bot_telegram_react",
	}, toolNames(tools))
	assert.Equal(t, module.ApprovalAlways, findTool(t, tools, "user_telegram_send_message").ApprovalDefault)
}

func TestTelegramModule_HandlerRequiresProvider(t *testing.T) {
	m := NewTelegramModule(nil)
	_, err := m.handleSend(context.Background(), map[string]any{"chat_id": "1", "text": "hi"})
	require.Error(t, err)
}

func TestTelegramModule_HandlerDeliversThroughProvider(t *testing.T) {
	fp := &fakeProvider{channel: "telegram", result: messenger.ProviderResult{ProviderDeliveryID: "abc"}}
	m := NewTelegramModule(fp)
	out, err := m.handleReply(context.Background(), map[string]any{"chat_id": "1", "text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"provider_delivery_id": "abc"}, out)
	require.Len(t, fp.calls, 1)
	assert.Equal(t, "reply", fp.calls[0].Intent)
}

func TestTelegramModule_ReactPassesEmoji(t *testing.T) {
	fp := &fakeProvider{channel: "telegram", result: messenger.ProviderResult{ProviderDeliveryID: "xyz"}}
	m := NewTelegramModule(fp)
	_, err := m.handleReact(context.Background(), map[string]any{"chat_id": "1", "emoji": "\U0001F440"})
	require.NoError(t, err)
	require.Len(t, fp.calls, 1)
	assert.Equal(t, "react", fp.calls[0].Intent)
	assert.Equal(t, "\U0001F440", fp.calls[0].Emoji)
}

func TestEmailModule_RegistersEgressTools(t *testing.T) {
	m := NewEmailModule(nil)
	tools := m.RegisterTools()
	assert.ElementsMatch(t, []string{"user_email_send_message", "user_email_reply_message"}, toolNames(tools))
}

func TestEmailModule_HandlerDeliversThroughProvider(t *testing.T) {
	fp := &fakeProvider{channel: "email", result: messenger.ProviderResult{ProviderDeliveryID: "e1"}}
	m := NewEmailModule(fp)
	out, err := m.handleSend(context.Background(), map[string]any{"to": "a@b.com", "subject": "hi", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"provider_delivery_id": "e1"}, out)
	assert.Equal(t, "hi", fp.calls[0].Subject)
}

func TestCalendarModule_RegistersTools(t *testing.T) {
	m := NewCalendarModule("tok", "", nil)
	tools := m.RegisterTools()
	assert.ElementsMatch(t, []string{"bot_calendar_create_event", "bot_calendar_list_events"}, toolNames(tools))
	assert.Equal(t, "primary", m.calendarID)
}

func TestCalendarModule_CreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "evt-1"})
	}))
	defer srv.Close()

	m := NewCalendarModule("tok", "primary", srv.Client())
	m.apiBase = srv.URL
	out, err := m.handleCreateEvent(context.Background(), map[string]any{
		"summary": "sync", "start": "2026-08-01T10:00:00Z", "end": "2026-08-01T10:30:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"event_id": "evt-1"}, out)
}

func TestCalendarModule_ListEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "evt-1", "summary": "sync", "start": map[string]string{"dateTime": "2026-08-01T10:00:00Z"}},
			},
		})
	}))
	defer srv.Close()

	m := NewCalendarModule("tok", "", srv.Client())
	m.apiBase = srv.URL
	out, err := m.handleListEvents(context.Background(), map[string]any{"time_min": "2026-08-01T00:00:00Z", "time_max": "2026-08-02T00:00:00Z"})
	require.NoError(t, err)
	events, ok := out.(map[string]any)["events"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0]["event_id"])
}

func TestMemoryModule_RegistersContextTool(t *testing.T) {
	m := NewMemoryModule(nil, "tenant-a")
	tools := m.RegisterTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "memory_context", tools[0].Name)
	assert.Equal(t, module.ApprovalNone, tools[0].ApprovalDefault)
}
