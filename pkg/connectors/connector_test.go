package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/envelope"
)

type fakePoller struct {
	channel, provider string
	batches           [][]NormalizedEvent
	calls             []string // cursors Poll was called with
}

func (f *fakePoller) Channel() string  { return f.channel }
func (f *fakePoller) Provider() string { return f.provider }

func (f *fakePoller) Poll(_ context.Context, cursor string) ([]NormalizedEvent, error) {
	f.calls = append(f.calls, cursor)
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

type fakeIngestClient struct {
	submitted []envelope.IngestV1
	failN     int // fail the first failN submissions
}

func (f *fakeIngestClient) Submit(_ context.Context, env envelope.IngestV1) (envelope.IngestAcceptance, error) {
	if f.failN > 0 {
		f.failN--
		return envelope.IngestAcceptance{}, assertErr("submit failed")
	}
	f.submitted = append(f.submitted, env)
	return envelope.IngestAcceptance{Outcome: "accepted"}, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeHeartbeatClient struct{ sent []envelope.ConnectorHeartbeatV1 }

func (f *fakeHeartbeatClient) Send(_ context.Context, hb envelope.ConnectorHeartbeatV1) error {
	f.sent = append(f.sent, hb)
	return nil
}

type memCursorStore struct{ val string }

func (m *memCursorStore) Load() (string, error)    { return m.val, nil }
func (m *memCursorStore) Save(cursor string) error { m.val = cursor; return nil }

func TestRunner_PollOnceSubmitsAndAdvancesCursor(t *testing.T) {
	poller := &fakePoller{channel: "telegram", provider: "telegram-bot-api", batches: [][]NormalizedEvent{
		{
			{ExternalEventID: "1", NormalizedText: "hi", ObservedAt: time.Now(), Cursor: "2"},
			{ExternalEventID: "2", NormalizedText: "there", ObservedAt: time.Now(), Cursor: "3"},
		},
	}}
	ingest := &fakeIngestClient{}
	cursor := &memCursorStore{}
	r := NewRunner(poller, ingest, &fakeHeartbeatClient{}, cursor, DefaultRunnerConfig("bot-1"), nil)

	next := r.pollOnce(context.Background(), "")
	require.Equal(t, "3", next)
	require.Equal(t, "3", cursor.val)
	require.Len(t, ingest.submitted, 2)
	require.Equal(t, "telegram", ingest.submitted[0].Source.Channel)
	require.Equal(t, "bot-1", ingest.submitted[0].Source.EndpointIdentity)
}

func TestRunner_PollOnceStopsCursorAdvanceOnPersistentSubmitFailure(t *testing.T) {
	poller := &fakePoller{batches: [][]NormalizedEvent{
		{{ExternalEventID: "1", Cursor: "2", ObservedAt: time.Now()}},
	}}
	ingest := &fakeIngestClient{failN: 99}
	cursor := &memCursorStore{val: "0"}
	cfg := DefaultRunnerConfig("bot-1")
	cfg.MaxSubmitAttempts = 1
	cfg.InitialBackoff = time.Millisecond
	r := NewRunner(poller, ingest, &fakeHeartbeatClient{}, cursor, cfg, nil)

	next := r.pollOnce(context.Background(), "0")
	require.Equal(t, "0", next, "cursor must not advance past an event that was never accepted")
	require.Equal(t, "0", cursor.val)
}

func TestRunner_HeartbeatCarriesCurrentCursor(t *testing.T) {
	poller := &fakePoller{channel: "telegram", provider: "telegram-bot-api"}
	hb := &fakeHeartbeatClient{}
	r := NewRunner(poller, &fakeIngestClient{}, hb, &memCursorStore{}, DefaultRunnerConfig("bot-1"), nil)

	r.sendHeartbeat(context.Background(), "17")
	require.Len(t, hb.sent, 1)
	require.Equal(t, "17", hb.sent[0].CursorPosition)
	require.Equal(t, envelope.ConnectorHeartbeatSchemaVersion, hb.sent[0].SchemaVersion)
}

func TestFileCursorStore_SavesAndLoadsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegram", "bot-1.cursor")
	store, err := NewFileCursorStore(path)
	require.NoError(t, err)

	initial, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "", initial)

	require.NoError(t, store.Save("42"))

	reloaded, err := NewFileCursorStore(path)
	require.NoError(t, err)
	val, err := reloaded.Load()
	require.NoError(t, err)
	require.Equal(t, "42", val)
}

func TestTelegramPoller_NormalizesMessageUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "5", r.FormValue("offset"))
		_, _ = w.Write([]byte(`{
			"ok": true,
			"result": [
				{"update_id": 5, "message": {"message_id": 1, "date": 1700000000, "text": "remind me", "chat": {"id": 42}, "from": {"id": 99}}},
				{"update_id": 6, "message": null}
			]
		}`))
	}))
	defer srv.Close()

	poller := NewTelegramPoller("test-token", srv.URL, nil)
	events, err := poller.Poll(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "5", events[0].ExternalEventID)
	require.Equal(t, "remind me", events[0].NormalizedText)
	require.Equal(t, "99", events[0].SenderIdentity)
	require.Equal(t, "6", events[0].Cursor)
	require.NotNil(t, events[0].ExternalThreadID)
	require.Equal(t, "42", *events[0].ExternalThreadID)
}
